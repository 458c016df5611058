package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_ReportsInfo(t *testing.T) {
	t.Parallel()

	h := New(WithInfo(func() map[string]string {
		return map[string]string{"session": "active"}
	}))
	code, body := serve(t, h, "/healthz")

	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
	if body.Info["session"] != "active" {
		t.Errorf("info = %v, want session=active", body.Info)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()

	code, body := serve(t, New(), "/readyz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("readyz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz_FlagTransitions(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool
	h := New(WithChecks(Flag("audio_output", ready.Load, "audio output not acquired")))

	code, body := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Errorf("before = %d %q, want 503 fail", code, body.Status)
	}
	if body.Checks["audio_output"] != "fail: audio output not acquired" {
		t.Errorf("check = %q", body.Checks["audio_output"])
	}

	ready.Store(true)
	code, body = serve(t, h, "/readyz")
	if code != http.StatusOK || body.Checks["audio_output"] != "ok" {
		t.Errorf("after = %d %v, want 200 ok", code, body.Checks)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestReadyz_MixedResults(t *testing.T) {
	t.Parallel()

	h := New(WithChecks(
		Ping("transcript_store", fakePinger{}),
		Ping("other", fakePinger{err: errors.New("locked")}),
	))
	code, body := serve(t, h, "/readyz")

	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body.Checks["transcript_store"] != "ok" || body.Checks["other"] != "fail: locked" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_CheckGetsDeadline(t *testing.T) {
	t.Parallel()

	h := New(WithChecks(Checker{Name: "deadline", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}}))
	if code, body := serve(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("readyz = %d %v", code, body.Checks)
	}
}

func TestRegister_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New().Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rec.Code)
	}
}
