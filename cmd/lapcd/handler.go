// File: cmd/lapcd/handler.go
// Author: momentics <momentics@gmail.com>
//
// echoHandler is the daemon's default api.Handler: it mirrors every
// Request frame's payload back as a Response. Business logic for
// whatever sits behind the transport is explicitly out of scope for this
// repository, so this is the placeholder a real deployment replaces.
package main

import (
	"context"

	"github.com/momentics/lapc/api"
)

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, req *api.Frame, resp api.Responder) error {
	return resp.Send(&api.Frame{
		Type:    api.FrameResponse,
		ID:      req.ID,
		Payload: req.Payload,
	})
}
