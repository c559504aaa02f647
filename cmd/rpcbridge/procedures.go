package main

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/mnehpets/rpcbridge/jsonrpc"
)

type echoParams struct {
	Msg string `json:"msg"`
}

type deviceInfo struct {
	Hostname  string  `json:"hostname"`
	Version   string  `json:"version"`
	GoVersion string  `json:"go_version"`
	Platform  string  `json:"platform"`
	Uptime    float64 `json:"uptime_seconds"`
}

// device is the state behind the demo device procedures.
type device struct {
	started time.Time
	now     func() time.Time
}

func newDevice() *device {
	return &device{started: time.Now(), now: time.Now}
}

func (d *device) Info(context.Context) (deviceInfo, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return deviceInfo{
		Hostname:  host,
		Version:   Version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:    d.now().Sub(d.started).Seconds(),
	}, nil
}

// registerProcedures exports the demo procedures: ping, echo and device.info.
func registerProcedures(e *jsonrpc.JSONRPCEndpoint, d *device) {
	e.RegisterFunc("ping", func(context.Context) (string, error) {
		return "pong", nil
	})
	e.RegisterFunc("echo", func(_ context.Context, p echoParams) (string, error) {
		return p.Msg, nil
	})
	e.RegisterFunc("device.info", d.Info)
}
