package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/kaspa"
)

func newTestClient(roots ...string) *Client {
	c := NewClient(ClientConfig{Roots: roots, Network: kaspa.ResolveNetwork("testnet-10")})
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestFetchJSONRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"price":0.1234}`))
	}))
	defer srv.Close()

	price, err := newTestClient(srv.URL).Price(context.Background())
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price != 0.1234 {
		t.Fatalf("unexpected price %v", price)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestFetchJSONMovesToNextRootOnNonRetryableStatus(t *testing.T) {
	var primaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"blockdag":{"daaScore":"1024","networkName":"kaspa-testnet-10"}}`))
	}))
	defer fallback.Close()

	dag, err := newTestClient(primary.URL+"/", fallback.URL).BlockDAG(context.Background())
	if err != nil {
		t.Fatalf("blockdag: %v", err)
	}
	if dag.DAAScore != 1024 || dag.NetworkName != "kaspa-testnet-10" {
		t.Fatalf("unexpected dag %+v", dag)
	}
	if primaryCalls.Load() != 1 {
		t.Fatalf("404 must not be retried, got %d calls", primaryCalls.Load())
	}
}

func TestFetchJSONAggregatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchJSON(context.Background(), "/info/blockdag")
	if err == nil {
		t.Fatal("expected error")
	}
	if !xerrors.HasCode(err, xerrors.CodeFeedUnavailable) {
		t.Fatalf("unexpected code %s", xerrors.CodeOf(err))
	}
	msg := err.Error()
	if !strings.Contains(msg, "chain API unavailable for /info/blockdag") || !strings.Contains(msg, "502 (attempt 2/2)") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestFetchJSONReportsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Roots: []string{srv.URL}, RequestTimeout: 50 * time.Millisecond})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	_, err := c.FetchJSON(context.Background(), "/info/price")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout (50ms, attempt 2/2)") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestFetchJSONWithoutRoots(t *testing.T) {
	_, err := NewClient(ClientConfig{}).FetchJSON(context.Background(), "/info/price")
	if err == nil || !strings.Contains(err.Error(), "no chain API endpoints configured") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestResolveRootsPrefersMatchingNetwork(t *testing.T) {
	c := newTestClient("https://api.kaspa.org", "https://api-tn10.kaspa.org", "https://mirror.local")

	got := c.resolveRoots("/info/blockdag")
	if strings.Join(got, ",") != "https://api-tn10.kaspa.org,https://mirror.local" {
		t.Fatalf("profile hint: %v", got)
	}
	got = c.resolveRoots("/addresses/kaspa:qz0000/balance")
	if strings.Join(got, ",") != "https://api.kaspa.org,https://mirror.local" {
		t.Fatalf("path hint: %v", got)
	}

	mainOnly := newTestClient("https://api.kaspa.org")
	if got := mainOnly.resolveRoots("/info/blockdag"); len(got) != 1 {
		t.Fatalf("expected fallback to all roots, got %v", got)
	}
}

func TestBalanceRequiresAddress(t *testing.T) {
	_, err := newTestClient("https://mirror.local").Balance(context.Background(), "  ")
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestBalanceRequestPath(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = w.Write([]byte(`{"balance":250000000}`))
	}))
	defer srv.Close()

	bal, err := newTestClient(srv.URL).Balance(context.Background(), " kaspatest:qq123 ")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Kas != 2.5 || bal.Sompi != 250000000 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	if path.Load().(string) != "/addresses/kaspatest:qq123/balance" {
		t.Fatalf("unexpected path %v", path.Load())
	}
}
