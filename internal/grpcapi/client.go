package grpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin wrapper over a ClientConn dialed against an
// AdminServer, for the CLI's "admin stats"/"admin drain" subcommands.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to an AdminServer at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcapi: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// GetStats invokes AdminService/GetStats.
func (c *Client) GetStats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.conn.Invoke(ctx, "/lambdahome.admin.AdminService/GetStats", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Drain invokes AdminService/Drain.
func (c *Client) Drain(ctx context.Context, req *DrainRequest) (*DrainResponse, error) {
	out := new(DrainResponse)
	if err := c.conn.Invoke(ctx, "/lambdahome.admin.AdminService/Drain", req, out); err != nil {
		return nil, err
	}
	return out, nil
}
