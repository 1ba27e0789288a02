package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/ticket"
)

func TestNewServerlessWorker_NilWithoutEndpoint(t *testing.T) {
	require.Nil(t, NewServerlessWorker(config.ServerlessConfig{}))
}

func TestServerlessWorker_Produce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/jobs", r.URL.Path)
		require.Equal(t, "req-abc", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"ok":true,"artifactPath":"/batch/j1.pdf","costUsd":0.07}`))
	}))
	defer srv.Close()

	w := NewServerlessWorker(config.ServerlessConfig{Endpoint: srv.URL, CostPerJobUSD: 0.05})
	tk := localTicket("j1")
	tk.RequestID = "req-abc"

	result, err := w.Produce(context.Background(), tk)
	require.NoError(t, err)
	require.Equal(t, "/batch/j1.pdf", result.ArtifactPath)
	require.InDelta(t, 0.07, result.CostUSD, 0.001, "reported cost wins over the estimate")
}

func TestServerlessWorker_DefaultsFromConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	w := NewServerlessWorker(config.ServerlessConfig{Endpoint: srv.URL, CostPerJobUSD: 0.05})
	result, err := w.Produce(context.Background(), localTicket("j1"))
	require.NoError(t, err)
	require.Equal(t, "/out/j1.pdf", result.ArtifactPath, "missing artifact falls back to the resolved path")
	require.InDelta(t, 0.05, result.CostUSD, 0.001)
}

func TestServerlessWorker_ServiceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"render farm at capacity"}`))
	}))
	defer srv.Close()

	w := NewServerlessWorker(config.ServerlessConfig{Endpoint: srv.URL})
	_, err := w.Produce(context.Background(), localTicket("j1"))
	require.Equal(t, autoerr.CodeWorkerFailed, autoerr.CodeOf(err))
	require.Contains(t, err.Error(), "render farm at capacity")
}

func TestServerlessWorker_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewServerlessWorker(config.ServerlessConfig{Endpoint: srv.URL})
	_, err := w.Produce(context.Background(), localTicket("j1"))
	require.Equal(t, autoerr.CodeWorkerFailed, autoerr.CodeOf(err))
}

func TestServerlessWorker_ConcurrencyCap(t *testing.T) {
	var inFlight, peak int64
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	w := NewServerlessWorker(config.ServerlessConfig{Endpoint: srv.URL, Concurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Produce(context.Background(), localTicket("j1"))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, int64(2))
}

func TestServerlessWorker_Identity(t *testing.T) {
	w := NewServerlessWorker(config.ServerlessConfig{Endpoint: "http://example", CostPerJobUSD: 0.05})
	require.Equal(t, KindServerless, w.Kind())
	require.Equal(t, "serverless-pdf", w.ServiceTag())
	require.InDelta(t, 0.05, w.EstimatedCostUSD(&ticket.JobTicket{}), 0.001)
}
