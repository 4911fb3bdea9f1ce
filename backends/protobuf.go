package backends

import (
	"context"
	"fmt"
	"mime"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	cf "github.com/starius/clientfactory"
)

const ProtobufContentType = "application/x-protobuf"

// Protobuf sends structured bodies as a binary google.protobuf.Struct
// and turns protobuf responses back into JSON.
type Protobuf struct{}

func (Protobuf) Format(ctx context.Context, req *cf.Request) (*cf.Request, error) {
	body := req.Body()
	if body == nil {
		return req, nil
	}
	msg, err := structpb.NewStruct(body)
	if err != nil {
		return nil, fmt.Errorf("protobuf: converting body: %w", err)
	}
	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protobuf: encoding body: %w", err)
	}
	return req.WithRawBody(ProtobufContentType, raw).WithHeader("Accept", ProtobufContentType), nil
}

// Parse converts a protobuf Struct response to JSON. Other responses
// pass through.
func (Protobuf) Parse(ctx context.Context, res *cf.Response) (*cf.Response, error) {
	mediaType, _, err := mime.ParseMediaType(res.Header("Content-Type"))
	if err != nil || mediaType != ProtobufContentType {
		return res, nil
	}
	var msg structpb.Struct
	if err := proto.Unmarshal(res.Body(), &msg); err != nil {
		return nil, fmt.Errorf("protobuf: decoding response: %w", err)
	}
	data, err := protojson.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("protobuf: encoding response: %w", err)
	}
	return res.WithBody(data).WithHeader("Content-Type", "application/json"), nil
}
