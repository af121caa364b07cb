/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package telemetry

import (
	"context"
	"testing"
)

func TestInitTraceProviderDisabled(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSpanHelpersNoop(t *testing.T) {
	ctx := context.Background()
	ctx, span := StartRunSpan(ctx, "run-1", "manual")
	span.End()
	_, dispatchSpan := StartDispatchSpan(ctx, "rn-1", "task", 0)
	EndDispatchSpan(dispatchSpan, true, false, "")
	_, compileSpan := StartCompileSpan(ctx, "claude")
	compileSpan.End()
}
