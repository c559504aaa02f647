package main

import (
	"context"
	"testing"
	"time"

	"github.com/mnehpets/rpcbridge/jsonrpc"
)

func TestDeviceInfo_Uptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &device{started: start, now: func() time.Time { return start.Add(90 * time.Second) }}

	info, err := d.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Uptime != 90 {
		t.Errorf("Uptime = %v, want 90", info.Uptime)
	}
	if info.Hostname == "" {
		t.Error("Hostname is empty")
	}
}

func TestRegisterProcedures(t *testing.T) {
	e := jsonrpc.NewEndpoint()
	registerProcedures(e, newDevice())

	tests := []struct {
		name string
		body string
		want string
	}{
		{"ping", `{"jsonrpc":"2.0","method":"ping","id":1}`, `{"jsonrpc":"2.0","result":"pong","id":1}`},
		{"echo named", `{"jsonrpc":"2.0","method":"echo","params":{"msg":"hello"},"id":2}`, `{"jsonrpc":"2.0","result":"hello","id":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(e.Process(context.Background(), []byte(tt.body))); got != tt.want {
				t.Fatalf("Process = %s, want %s", got, tt.want)
			}
		})
	}
}
