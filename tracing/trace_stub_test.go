//go:build !trace

package tracing

import (
	"context"
	"testing"
)

func TestTraceStubNoOps(t *testing.T) {
	if err := Start("ignored.out"); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	Stop()

	ctx, endTask := StartTask(context.Background(), "classify.content")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	endTask()

	StartRegion(ctx, "ingest")()
	Log(ctx, "category", "message")
}
