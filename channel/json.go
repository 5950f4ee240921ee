package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// CallJSON invokes a method whose request and response are JSON documents.
func CallJSON[Req any, Resp any](ctx context.Context, c *Channel, method string, req *Req) (*Resp, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	out, err := c.Call(ctx, method, payload)
	if err != nil {
		return nil, err
	}

	resp := new(Resp)
	if err := json.Unmarshal(out, resp); err != nil {
		return nil, interfaces.NewInfrastructureError(fmt.Errorf("%w: %v", interfaces.ErrParse, err))
	}
	return resp, nil
}
