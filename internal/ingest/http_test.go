package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/domain"
)

var testGuard = SkewGuard{Clock: clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), MaxSkew: 5 * time.Minute}

type recordingRecorder struct {
	mu        sync.Mutex
	requests  []domain.RequestEvent
	responses []domain.ResponseEvent
}

func (r *recordingRecorder) RecordRequest(event domain.RequestEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, event)
}

func (r *recordingRecorder) RecordResponse(event domain.ResponseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, event)
}

func (r *recordingRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests), len(r.responses)
}

const (
	requestJSON  = `{"identifier":"10.0.0.1","method":"GET","path":"/api/users","userAgent":"curl/8","timestamp":"2026-03-01T12:00:00Z"}`
	responseJSON = `{"timestamp":"2026-03-01T12:00:00Z","latencyMs":42.5,"statusCode":503,"bodySize":128}`
)

func TestHTTPHandlerAcceptsSingleRequestEvent(t *testing.T) {
	t.Parallel()

	recorder := &recordingRecorder{}
	handler := NewHTTPHandler(recorder, 0, SkewGuard{}, nil)
	request := httptest.NewRequest(http.MethodPost, "/ingest/request", strings.NewReader(requestJSON))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["accepted"] != 1 {
		t.Fatalf("expected accepted=1, got %v", body)
	}
	if len(recorder.requests) != 1 {
		t.Fatalf("expected 1 recorded request, got %d", len(recorder.requests))
	}
	got := recorder.requests[0]
	if got.Identifier != "10.0.0.1" || got.Path != "/api/users" || !got.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected request event: %+v", got)
	}
}

func TestHTTPHandlerAcceptsResponseBatch(t *testing.T) {
	t.Parallel()

	recorder := &recordingRecorder{}
	handler := NewHTTPHandler(recorder, 0, SkewGuard{}, nil)
	payload := "[" + responseJSON + "," + responseJSON + "]"
	request := httptest.NewRequest(http.MethodPost, "/ingest/response", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, response.Code, response.Body.String())
	}
	requests, responses := recorder.counts()
	if requests != 0 || responses != 2 {
		t.Fatalf("unexpected recorder counts requests=%d responses=%d", requests, responses)
	}
	if !recorder.responses[0].IsError() || recorder.responses[0].LatencyMS != 42.5 {
		t.Fatalf("unexpected response event: %+v", recorder.responses[0])
	}
}

func TestHTTPHandlerRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		target string
		body   string
		limit  int64
		status int
	}{
		{name: "method", method: http.MethodGet, target: "/ingest/request", status: http.StatusMethodNotAllowed},
		{name: "unknown kind", method: http.MethodPost, target: "/ingest/batch", body: requestJSON, status: http.StatusNotFound},
		{name: "empty batch", method: http.MethodPost, target: "/ingest/request", body: "[]", status: http.StatusBadRequest},
		{name: "malformed", method: http.MethodPost, target: "/ingest/request", body: "{", status: http.StatusBadRequest},
		{name: "trailing tokens", method: http.MethodPost, target: "/ingest/request", body: requestJSON + requestJSON, status: http.StatusBadRequest},
		{name: "missing identifier", method: http.MethodPost, target: "/ingest/request", body: `{"path":"/x"}`, status: http.StatusBadRequest},
		{name: "bad status code", method: http.MethodPost, target: "/ingest/response", body: `{"statusCode":42}`, status: http.StatusBadRequest},
		{name: "partially invalid batch", method: http.MethodPost, target: "/ingest/request", body: "[" + requestJSON + `,{"path":"/x"}]`, status: http.StatusBadRequest},
		{name: "future timestamp", method: http.MethodPost, target: "/ingest/request", body: `{"identifier":"a","path":"/x","timestamp":"2099-01-01T00:00:00Z"}`, status: http.StatusBadRequest},
		{name: "stale response in batch", method: http.MethodPost, target: "/ingest/response", body: "[" + responseJSON + `,{"statusCode":200,"timestamp":"2026-03-01T11:00:00Z"}]`, status: http.StatusBadRequest},
		{name: "too large", method: http.MethodPost, target: "/ingest/request", body: requestJSON, limit: 16, status: http.StatusRequestEntityTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			recorder := &recordingRecorder{}
			handler := NewHTTPHandler(recorder, tc.limit, testGuard, nil)
			request := httptest.NewRequest(tc.method, tc.target, strings.NewReader(tc.body))
			response := httptest.NewRecorder()

			handler.ServeHTTP(response, request)
			if response.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, response.Code, response.Body.String())
			}
			if requests, responses := recorder.counts(); requests != 0 || responses != 0 {
				t.Fatalf("expected nothing recorded, got requests=%d responses=%d", requests, responses)
			}
		})
	}
}

func TestApplyBatchErrorNamesIndex(t *testing.T) {
	t.Parallel()

	recorder := &recordingRecorder{}
	_, err := Apply(recorder, KindRequest, []byte("["+requestJSON+`,{"identifier":"x"}]`), SkewGuard{})
	if err == nil || !strings.Contains(err.Error(), "event[1]") {
		t.Fatalf("expected indexed batch error, got %v", err)
	}

	_, err = Apply(recorder, Kind("other"), []byte(requestJSON), SkewGuard{})
	if err == nil {
		t.Fatal("expected unsupported kind error")
	}
}

func TestSkewGuardBoundsTimestamps(t *testing.T) {
	t.Parallel()

	recorder := &recordingRecorder{}
	accepted, err := Apply(recorder, KindRequest, []byte(requestJSON), testGuard)
	if err != nil || accepted != 1 {
		t.Fatalf("expected in-range event accepted, got %d %v", accepted, err)
	}

	undated := `{"identifier":"a","path":"/x"}`
	if _, err := Apply(recorder, KindRequest, []byte(undated), testGuard); err != nil {
		t.Fatalf("undated events take server time: %v", err)
	}

	ahead := `{"identifier":"a","path":"/x","timestamp":"2026-03-01T12:05:01Z"}`
	_, err = Apply(recorder, KindRequest, []byte("["+requestJSON+","+ahead+"]"), testGuard)
	if err == nil || !strings.Contains(err.Error(), "event[1]") || !strings.Contains(err.Error(), "ahead") {
		t.Fatalf("expected indexed skew error, got %v", err)
	}
	if requests, _ := recorder.counts(); requests != 2 {
		t.Fatalf("rejected batch must record nothing, got %d requests", requests)
	}

	if _, err := Apply(recorder, KindRequest, []byte(ahead), SkewGuard{}); err != nil {
		t.Fatalf("zero guard accepts any timestamp: %v", err)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	if kind, ok := ParseKind("response"); !ok || kind != KindResponse {
		t.Fatalf("unexpected parse result %q %v", kind, ok)
	}
	if _, ok := ParseKind("Request"); ok {
		t.Fatal("kinds are case-sensitive")
	}
}
