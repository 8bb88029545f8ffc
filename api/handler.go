// File: api/handler.go
// Author: momentics <momentics@gmail.com>
//
// HandlerFunc adapts a plain function to the Handler interface, mirroring
// the net/http.HandlerFunc convention.

package api

import "context"

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Frame, resp Responder) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Frame, resp Responder) error {
	return f(ctx, req, resp)
}
