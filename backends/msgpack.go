package backends

import (
	"context"
	"fmt"
	"mime"

	"github.com/bytedance/sonic"
	"github.com/vmihailenco/msgpack/v5"

	cf "github.com/starius/clientfactory"
)

const MsgPackContentType = "application/msgpack"

// MsgPack sends structured bodies as MessagePack and turns MessagePack
// responses into JSON.
type MsgPack struct{}

func (MsgPack) Format(ctx context.Context, req *cf.Request) (*cf.Request, error) {
	body := req.Body()
	if body == nil {
		return req, nil
	}
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("msgpack: encoding body: %w", err)
	}
	return req.WithRawBody(MsgPackContentType, raw).WithHeader("Accept", MsgPackContentType), nil
}

func (MsgPack) Parse(ctx context.Context, res *cf.Response) (*cf.Response, error) {
	mediaType, _, err := mime.ParseMediaType(res.Header("Content-Type"))
	if err != nil || mediaType != MsgPackContentType {
		return res, nil
	}
	var decoded any
	if err := msgpack.Unmarshal(res.Body(), &decoded); err != nil {
		return nil, fmt.Errorf("msgpack: decoding response: %w", err)
	}
	data, err := sonic.ConfigStd.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("msgpack: encoding response: %w", err)
	}
	return res.WithBody(data).WithHeader("Content-Type", "application/json"), nil
}
