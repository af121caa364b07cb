/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	RunsTotal.WithLabelValues("completed").Inc()
	RunsTotal.WithLabelValues("completed").Inc()
	DispatchesTotal.WithLabelValues("success").Inc()

	if got := testutil.ToFloat64(RunsTotal.WithLabelValues("completed")); got != 2 {
		t.Fatalf("runs completed = %v", got)
	}
	if got := testutil.ToFloat64(DispatchesTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("dispatches success = %v", got)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration panic")
		}
	}()
	Register(reg)
}
