package logger

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerWithOutput_WritesCategoryAndMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(&buf)

	l.LogCheckIn("valid", "TKT-ORD-1-001-ABCDEF", "scanner-1", "checked in")
	l.LogOverride("lock_sync", "ORD-1", "admin-1", "manual lock")

	out := buf.String()
	assert.Contains(t, out, "[CHECKIN]")
	assert.Contains(t, out, "TKT-ORD-1-001-ABCDEF by scanner-1")
	assert.Contains(t, out, "WARN  [ADMIN]")
}

func TestLoggerSetLevel_DropsLowerEntries(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(&buf)
	l.SetLevel("warn")

	l.Info("SYNC", "hidden")
	l.Debug("SYNC", "hidden too")
	l.Error("SYNC", "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Info("X", "y") })
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(&buf)

	h := l.RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/scanner/checkin", nil))

	assert.Contains(t, buf.String(), "[API]")
	assert.Contains(t, buf.String(), "POST /api/scanner/checkin - 418")
}
