package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCall_Local(t *testing.T) {
	r := New()
	r.RegisterLocal("echo", func(_ context.Context, p []byte) ([]byte, error) {
		return p, nil
	})
	resp, err := r.Call(context.Background(), "echo", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "hi" {
		t.Fatalf("got %q", resp)
	}
}

func TestCall_NotFound(t *testing.T) {
	r := New()
	_, err := r.Call(context.Background(), "missing", nil)
	var nf *ErrServiceNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want ErrServiceNotFound", err)
	}
}

func TestSetRoute_RemoteOverridesLocal(t *testing.T) {
	r := New()
	r.RegisterLocal("svc", func(context.Context, []byte) ([]byte, error) { return []byte("local"), nil })
	var closed atomic.Bool
	r.RegisterTransport("fake", func(endpoint string, _ json.RawMessage) (Handler, func(), error) {
		return func(context.Context, []byte) ([]byte, error) {
			return []byte("remote:" + endpoint), nil
		}, func() { closed.Store(true) }, nil
	})

	if err := r.SetRoute("svc", Route{Strategy: "fake", Endpoint: "e1"}); err != nil {
		t.Fatal(err)
	}
	resp, _ := r.Call(context.Background(), "svc", nil)
	if string(resp) != "remote:e1" {
		t.Fatalf("got %q", resp)
	}

	if err := r.SetRoute("svc", Route{Strategy: "local"}); err != nil {
		t.Fatal(err)
	}
	if !closed.Load() {
		t.Fatal("old remote handler not closed")
	}
	resp, _ = r.Call(context.Background(), "svc", nil)
	if string(resp) != "local" {
		t.Fatalf("got %q after switching back to local", resp)
	}
}

func TestSetRoute_NoFactory(t *testing.T) {
	r := New()
	err := r.SetRoute("svc", Route{Strategy: "grpc"})
	var nf *ErrNoFactory
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want ErrNoFactory", err)
	}
}

func TestSetRoute_Noop(t *testing.T) {
	r := New()
	r.SetRoute("svc", Route{Strategy: "noop"})
	resp, err := r.Call(context.Background(), "svc", []byte("x"))
	if err != nil || resp != nil {
		t.Fatalf("noop: got %q, %v", resp, err)
	}
	if !r.Has("svc") {
		t.Fatal("Has(noop route) = false")
	}
}

func TestHTTPFactory_HeadersAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b, _ := io.ReadAll(req.Body)
		w.Write(append([]byte("ok:"), b...))
	}))
	defer srv.Close()

	r := New()
	r.RegisterTransport("http", HTTPFactory())
	cfg := json.RawMessage(`{"allow_private":true,"headers":{"Authorization":"Bearer k"}}`)
	if err := r.SetRoute("extractor", Route{Strategy: "http", Endpoint: srv.URL, Config: cfg}); err != nil {
		t.Fatal(err)
	}
	resp, err := r.Call(context.Background(), "extractor", []byte("p"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "ok:p" {
		t.Fatalf("got %q", resp)
	}

	r.SetRoute("extractor", Route{Strategy: "http", Endpoint: srv.URL, Config: json.RawMessage(`{"allow_private":true}`)})
	_, err = r.Call(context.Background(), "extractor", nil)
	var st *ErrRemoteStatus
	if !errors.As(err, &st) || st.Status != 401 || !st.Permanent() {
		t.Fatalf("err = %v, want permanent 401", err)
	}
}

func TestHTTPFactory_RejectsPrivateByDefault(t *testing.T) {
	_, _, err := HTTPFactory()("http://127.0.0.1:1/x", nil)
	if err == nil {
		t.Fatal("expected SSRF rejection")
	}
}

func TestWithRetry(t *testing.T) {
	var calls atomic.Int32
	h := WithRetry(2, time.Millisecond, slog.Default())(func(context.Context, []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	})
	resp, err := h(context.Background(), nil)
	if err != nil || string(resp) != "ok" {
		t.Fatalf("got %q, %v", resp, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestWithRetry_StopsOnPermanent(t *testing.T) {
	var calls atomic.Int32
	h := WithRetry(3, time.Millisecond, nil)(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return nil, &ErrRemoteStatus{Status: 400}
	})
	h(context.Background(), nil)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(time.Minute),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
	)
	fail := true
	h := WithCircuitBreaker(cb, "extractor")(func(context.Context, []byte) ([]byte, error) {
		if fail {
			return nil, errors.New("down")
		}
		return []byte("ok"), nil
	})

	h(context.Background(), nil)
	h(context.Background(), nil)
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	_, err := h(context.Background(), nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	now = now.Add(2 * time.Minute)
	fail = false
	if _, err := h(context.Background(), nil); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(slog.Default())(func(context.Context, []byte) ([]byte, error) {
		panic("boom")
	})
	_, err := h(context.Background(), nil)
	var p *ErrPanic
	if !errors.As(err, &p) {
		t.Fatalf("err = %v, want ErrPanic", err)
	}
}

func TestCall_RecoversPanics(t *testing.T) {
	r := New()
	r.RegisterLocal("local", func(context.Context, []byte) ([]byte, error) {
		panic("local bug")
	})
	r.RegisterTransport("bad", func(string, json.RawMessage) (Handler, func(), error) {
		return func(context.Context, []byte) ([]byte, error) { panic("transport bug") }, nil, nil
	})
	if err := r.SetRoute("remote", Route{Strategy: "bad", Middleware: []HandlerMiddleware{WithTimeout(time.Second)}}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetRoute("retried", Route{Strategy: "bad", Middleware: []HandlerMiddleware{WithRetry(3, time.Millisecond, slog.Default())}}); err != nil {
		t.Fatal(err)
	}
	for _, service := range []string{"local", "remote", "retried"} {
		_, err := r.Call(context.Background(), service, nil)
		var p *ErrPanic
		if !errors.As(err, &p) {
			t.Fatalf("%s: err = %v, want ErrPanic", service, err)
		}
	}
}
