package grpcapi

// StatsRequest asks for lane/pool statistics. An empty FunctionName
// returns every lane currently tracked by the pool; a lane with queued
// items but no instances is not listed.
type StatsRequest struct {
	FunctionName string `json:"function_name,omitempty"`
}

// LaneStats reports one FunctionKey's queue and warm-pool state.
type LaneStats struct {
	FunctionName string `json:"function_name"`
	Runtime      string `json:"runtime"`
	Version      string `json:"version"`
	EnvHash      string `json:"env_hash"`
	QueueDepth   int    `json:"queue_depth"`
	Waiters      int    `json:"waiters"`
	WarmIdle     int    `json:"warm_idle"`
	Active       int    `json:"active"`
	Stopped      int    `json:"stopped"`
	Total        int    `json:"total"`
}

// StatsResponse is GetStats' reply.
type StatsResponse struct {
	Lanes          []LaneStats `json:"lanes"`
	PendingCount   int         `json:"pending_count"`
	TotalInstances int         `json:"total_instances"`
}

// DrainRequest identifies the FunctionKey to drain (spec.md §4.5's
// "function update/delete invalidates warm instances").
type DrainRequest struct {
	FunctionName string `json:"function_name"`
	Runtime      string `json:"runtime"`
	Version      string `json:"version"`
	EnvHash      string `json:"env_hash"`
}

// DrainResponse reports which instances were torn down.
type DrainResponse struct {
	DrainedInstanceIds []string `json:"drained_instance_ids"`
	FailedInstanceIds  []string `json:"failed_instance_ids"`
}
