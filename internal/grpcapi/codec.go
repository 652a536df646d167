package grpcapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec replaces grpc-go's default "proto" wire codec with a plain
// JSON one. The retrieval pack that grounds this service (oriys-nova's
// internal/grpc, built against a generated novapb package) never shipped
// the .proto sources or generated *.pb.go alongside the rest of its
// tree, so there is no protobuf schema to target here; registering a
// codec under the name grpc-go's transport already negotiates by default
// ("proto", selected whenever a client sends no content-subtype) lets
// AdminServer keep the exact wire-level shape protoc-gen-go-grpc
// produces — ServiceDesc, MethodDesc, codec-driven dec/enc — without
// inventing or vendoring a fake protobuf toolchain, per the
// never-fabricate-dependencies rule. Messages are plain Go structs with
// json tags instead of generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
