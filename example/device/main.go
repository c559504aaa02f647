package main

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/mnehpets/rpcbridge/bridge"
	"github.com/mnehpets/rpcbridge/jsonrpc"
	"github.com/mnehpets/rpcbridge/server"
)

// Camera holds the state a small device exposes over RPC.
type Camera struct {
	mu       sync.Mutex
	exposure int
}

type segmentParams struct {
	Threshold int `json:"threshold"`
}

type segmentResult struct {
	Regions  int `json:"regions"`
	Exposure int `json:"exposure"`
}

func (c *Camera) SetExposure(ctx context.Context, v int) (int, error) {
	if v < 0 || v > 1000 {
		return 0, jsonrpc.NewInvalidParamsError("exposure out of range")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = v
	return v, nil
}

func (c *Camera) segment(ctx context.Context, p segmentParams) (segmentResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	regions := 0
	if p.Threshold > 0 {
		regions = c.exposure / p.Threshold
	}
	return segmentResult{Regions: regions, Exposure: c.exposure}, nil
}

func main() {
	cam := &Camera{exposure: 100}

	e := jsonrpc.NewEndpoint()
	e.Register("camera", cam)
	e.RegisterFunc("segment_from_camera", cam.segment)

	b, err := bridge.New(e)
	if err != nil {
		log.Fatal(err)
	}

	// Static pages are served from ./www; the bridge only claims /rpc.
	srv, err := server.New(b, server.WithFallback(http.FileServer(http.Dir("www"))))
	if err != nil {
		log.Fatal(err)
	}
	defer srv.Close()

	log.Println("Starting device on :8080")
	log.Println(`Try: curl -d '{"method":"segment_from_camera","params":{"threshold":10},"id":1}' localhost:8080/rpc`)
	log.Fatal(http.ListenAndServe(":8080", srv))
}
