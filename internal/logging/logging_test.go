package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

func TestNewParsesLevel(t *testing.T) {
	if got := New("debug", "text").GetLevel(); got != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", got)
	}
	if got := New("nonsense", "text").GetLevel(); got != logrus.InfoLevel {
		t.Errorf("level = %v, want info fallback", got)
	}
}

func TestFromContextFallback(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext() returned nil")
	}
}

func TestRequestLoggerAttachesEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json")
	logger.SetOutput(&buf)

	var seen *logrus.Entry
	handler := middleware.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))

	if seen == nil || seen.Data["path"] != "/health" {
		t.Fatalf("request entry missing path field: %+v", seen)
	}
	if seen.Data["request_id"] == "" {
		t.Errorf("request_id not set")
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["status"] != float64(http.StatusTeapot) {
		t.Errorf("status field = %v, want %d", line["status"], http.StatusTeapot)
	}
}
