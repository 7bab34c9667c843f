package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "OpenMCP-Relay/internal/errors"
)

func TestWriteErrorHidesAuthDetails(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"unauthorized", xerrors.New(xerrors.CodeUnauthorized, "signature mismatch on routing token"), http.StatusUnauthorized, "unauthorized"},
		{"forbidden", xerrors.New(xerrors.CodeForbidden, "group g-2 != g-1"), http.StatusForbidden, "forbidden"},
		{"invalid", xerrors.New(xerrors.CodeInvalidArgument, "group_id is required"), http.StatusBadRequest, "group_id is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tc.err)
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d", rec.Code, tc.status)
			}
			var body ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tc.body {
				t.Fatalf("unexpected body: %q", body.Error)
			}
		})
	}
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	var dst map[string]any
	if err := DecodeJSON(req, &dst); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestRequireMethod(t *testing.T) {
	rec := httptest.NewRecorder()
	if RequireMethod(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.MethodPost) {
		t.Fatalf("expected method check to fail")
	}
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected response: %d %v", rec.Code, rec.Header())
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := withContext(ctx, Healthz())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
