package api_test

import (
	"context"
	"testing"

	"github.com/momentics/lapc/api"
)

func TestTransportFeaturesStruct(t *testing.T) {
	f := api.TransportFeatures{ZeroCopy: true, Batch: false}
	if !f.ZeroCopy || f.Batch {
		t.Fatal("TransportFeatures fields not set correctly")
	}
}

func TestHandlerFuncAdapts(t *testing.T) {
	var called bool
	h := api.HandlerFunc(func(ctx context.Context, req *api.Frame, resp api.Responder) error {
		called = true
		return resp.Send(&api.Frame{Type: api.FrameResponse, ID: req.ID})
	})

	resp := api.NewMockResponder()
	if err := h.Handle(context.Background(), &api.Frame{ID: 7}, resp); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !called {
		t.Fatal("handler func not invoked")
	}
	if len(resp.Sent) != 1 || resp.Sent[0].ID != 7 {
		t.Fatalf("unexpected responder state: %+v", resp.Sent)
	}
}

func TestFrameHasFlag(t *testing.T) {
	f := &api.Frame{Flags: api.FlagStreaming | api.FlagPriority}
	if !f.HasFlag(api.FlagStreaming) || !f.HasFlag(api.FlagPriority) {
		t.Fatal("expected both flags set")
	}
	if f.HasFlag(api.FlagCompressed) {
		t.Fatal("unexpected flag set")
	}
}
