package grpcapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content subtype clients select with
// grpc.CallContentSubtype to speak JSON frames on the room service.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the room protocol's JSON frames over gRPC. Raw messages
// pass through untouched so malformed frames reach the service and are
// rejected in-band; protobuf messages use their canonical JSON mapping.
type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case json.RawMessage:
		return m, nil
	case *json.RawMessage:
		return *m, nil
	case proto.Message:
		return protojson.Marshal(m)
	default:
		return json.Marshal(v)
	}
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *json.RawMessage:
		*m = append((*m)[:0], data...)
		return nil
	case proto.Message:
		return protojson.Unmarshal(data, m)
	default:
		return json.Unmarshal(data, v)
	}
}
