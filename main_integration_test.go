package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/caries-screen/internal/classifier"
	"github.com/example/caries-screen/internal/config"
)

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	defer func() {
		select {
		case <-releaseRequest:
		default:
			close(releaseRequest)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/screenings", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		<-releaseRequest
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: mux}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Get("http://" + addr + "/screenings")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)
	t.Log("released request")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

type constantBackend struct{}

func (constantBackend) Forward([]int64, []float32) ([]float32, error) {
	return []float32{0.5}, nil
}

func (constantBackend) Close() error {
	return nil
}

func TestServeHTTPServerReturnsServeFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	listener.Close()

	signalCh := make(chan os.Signal)
	err = serveHTTPServerWithOptions(&http.Server{Handler: http.NewServeMux()}, time.Second, zap.NewNop(), listener, signalCh)
	if err == nil {
		t.Fatal("expected serve failure to be returned so main exits non-zero")
	}
	if errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("expected a serve error, got %v", err)
	}
}

func TestLoadModelRetriesThenSucceeds(t *testing.T) {
	cfg := config.ModelConfig{Path: "models/caries.onnx", LoadAttempts: 3, LoadBackoff: time.Millisecond}

	attempts := 0
	handle, err := loadModelWith(context.Background(), cfg, zap.NewNop(), func() (*classifier.Handle, error) {
		attempts++
		if attempts < 3 {
			return nil, &classifier.ModelLoadError{Path: cfg.Path, Err: os.ErrNotExist}
		}
		return classifier.NewHandle(constantBackend{}, classifier.WithSource(cfg.Path))
	})
	if err != nil {
		t.Fatalf("expected model to load, got error: %v", err)
	}
	defer handle.Close()
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if handle.Source() != cfg.Path {
		t.Fatalf("unexpected source: %s", handle.Source())
	}
}

func TestLoadModelAbortsAfterAttempts(t *testing.T) {
	cfg := config.ModelConfig{Path: "missing.onnx", LoadAttempts: 2, LoadBackoff: time.Millisecond}

	attempts := 0
	handle, err := loadModelWith(context.Background(), cfg, zap.NewNop(), func() (*classifier.Handle, error) {
		attempts++
		return nil, &classifier.ModelLoadError{Path: cfg.Path, Err: os.ErrNotExist}
	})
	if handle != nil {
		t.Fatal("expected no handle")
	}
	var loadErr *classifier.ModelLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected ModelLoadError, got %T", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestLoadModelReportsMissingArtifact(t *testing.T) {
	cfg := config.ModelConfig{Path: t.TempDir() + "/absent.onnx", LoadAttempts: 1, LoadBackoff: time.Millisecond}

	handle, err := loadModel(context.Background(), cfg, zap.NewNop())
	if handle != nil {
		t.Fatal("expected no handle")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist cause, got %v", err)
	}
}
