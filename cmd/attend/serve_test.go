package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/davidahmann/attend/core/api"
)

func TestServeAnswersHealthAndStopsOnCancel(t *testing.T) {
	ws := newWorkspace(t)
	runtime, err := openRuntime(context.Background(), ws.configPath)
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer func() { _ = runtime.Close() }()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, runtime, listener)
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	response, err := client.Get("http://" + listener.Addr().String() + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("get healthz: %v", err)
	}
	var health api.HealthResponse
	decodeErr := json.NewDecoder(response.Body).Decode(&health)
	_ = response.Body.Close()
	if decodeErr != nil {
		cancel()
		t.Fatalf("decode healthz: %v", decodeErr)
	}
	if response.StatusCode != http.StatusOK || !health.OK {
		cancel()
		t.Fatalf("unexpected health response %d %+v", response.StatusCode, health)
	}
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatalf("server did not stop after cancel")
	}
}
