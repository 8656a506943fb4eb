package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/basemate/basemate/content"
	"github.com/basemate/basemate/pkg/kv"
)

func quoteServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if !strings.Contains(r.URL.RawQuery, "ids=ethereum") {
			http.Error(w, "unexpected query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ethereum":{"usd":3250.42}}`))
	}))
}

func TestPriceLookup(t *testing.T) {
	srv := quoteServer(t, nil)
	defer srv.Close()

	tool := NewPriceTool(nil).WithBaseURL(srv.URL)
	res, err := tool.Execute(context.Background(), map[string]interface{}{"symbol": "eth"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Kind != content.KindText {
		t.Fatalf("Expected text result, got %s", res.Kind)
	}
	if !strings.Contains(res.Text, "3250.42") {
		t.Errorf("Expected price in response, got: %s", res.Text)
	}
	if !strings.Contains(res.Text, "ETH") {
		t.Errorf("Expected symbol in response, got: %s", res.Text)
	}
}

func TestPriceCacheAvoidsSecondFetch(t *testing.T) {
	var hits atomic.Int32
	srv := quoteServer(t, &hits)
	defer srv.Close()

	cache, err := kv.Open(kv.MemoryOptions())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	defer cache.Close()

	tool := NewPriceTool(cache).WithBaseURL(srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := tool.Execute(context.Background(), map[string]interface{}{"symbol": "ETH"}); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("Expected 1 upstream fetch with cache, got %d", hits.Load())
	}
}

func TestPriceUnknownAsset(t *testing.T) {
	tool := NewPriceTool(nil)
	res, err := tool.Execute(context.Background(), map[string]interface{}{"symbol": "DOGECOIN2"})
	if err != nil {
		t.Fatalf("Unknown asset should yield a Failure result: %v", err)
	}
	if res.Kind != content.KindFailure {
		t.Errorf("Expected failure, got %s", res.Kind)
	}
}

func TestPriceMissingSymbol(t *testing.T) {
	tool := NewPriceTool(nil)
	res, err := tool.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Kind != content.KindFailure {
		t.Errorf("Expected failure for missing symbol, got %s", res.Kind)
	}
}

func TestPriceUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tool := NewPriceTool(nil).WithBaseURL(srv.URL)
	_, err := tool.Execute(context.Background(), map[string]interface{}{"symbol": "ETH"})
	if err == nil {
		t.Fatal("Upstream failure should surface as an error for the dispatch loop to classify")
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got: %v", err)
	}
}
