package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swapfusion/internal/session"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeSession struct {
	calls      []string
	flattenErr error
}

func (f *fakeSession) EmergencyStop(user, reason string) {
	f.calls = append(f.calls, "halt:"+user+":"+reason)
}

func (f *fakeSession) Resume(user, reason string) {
	f.calls = append(f.calls, "resume:"+user+":"+reason)
}

func (f *fakeSession) FlattenAll(_ context.Context, user, reason string) error {
	f.calls = append(f.calls, "flatten:"+user+":"+reason)
	return f.flattenErr
}

func (f *fakeSession) Status() session.Status { return session.Status{Time: now} }

func request(t *testing.T, secret string, ts time.Time, cmd Command) *http.Request {
	t.Helper()
	body, err := json.Marshal(cmd)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	r.Header.Set("X-Timestamp", strconv.FormatInt(ts.Unix(), 10))
	r.Header.Set("X-Signature", Sign(secret, ts.Unix(), body))
	return r
}

func TestServeHTTP_Auth(t *testing.T) {
	fs := &fakeSession{}
	h := NewHandler(Config{
		SigningSecret: "s3cret",
		AllowedUsers:  []string{"alice"},
		Clock:         func() time.Time { return now },
	}, fs)

	tests := []struct {
		name string
		req  *http.Request
		code int
	}{
		{"wrong secret", request(t, "other", now, Command{UserID: "alice", Command: "/halt"}), http.StatusUnauthorized},
		{"stale timestamp", request(t, "s3cret", now.Add(-10*time.Minute), Command{UserID: "alice", Command: "/halt"}), http.StatusUnauthorized},
		{"not allowed", request(t, "s3cret", now, Command{UserID: "mallory", Command: "/halt"}), http.StatusForbidden},
		{"unknown command", request(t, "s3cret", now.Add(-time.Second), Command{UserID: "alice", Command: "/moon"}), http.StatusBadRequest},
		{"halt", request(t, "s3cret", now.Add(-2*time.Second), Command{UserID: "alice", Command: "/halt", Text: "news"}), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, tt.req)
			assert.Equal(t, tt.code, w.Code)
		})
	}
	assert.Equal(t, []string{"halt:alice:news"}, fs.calls)

	// the same signed request cannot be replayed
	replay := request(t, "s3cret", now.Add(-2*time.Second), Command{UserID: "alice", Command: "/halt", Text: "news"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, replay)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandle_Commands(t *testing.T) {
	fs := &fakeSession{}
	h := NewHandler(Config{Clock: func() time.Time { return now }}, fs)
	ctx := context.Background()

	assert.True(t, h.Handle(ctx, Command{UserID: "bob", Command: "resume"}).OK)
	assert.True(t, h.Handle(ctx, Command{UserID: "bob", Command: "/flatten", Text: "eod"}).OK)

	fs.flattenErr = errors.New("exchange down")
	resp := h.Handle(ctx, Command{UserID: "bob", Command: "/flatten"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Text, "exchange down")

	resp = h.Handle(ctx, Command{UserID: "bob", Command: "/status"})
	assert.True(t, resp.OK)
	assert.NotNil(t, resp.Status)

	assert.Equal(t, []string{"resume:bob:operator", "flatten:bob:eod", "flatten:bob:operator"}, fs.calls)
	audit := h.Audit()
	require.Len(t, audit, 4)
	assert.Equal(t, "/status", audit[3].Command)
}

func TestServeHTTP_NoSecret(t *testing.T) {
	h := NewHandler(Config{}, &fakeSession{})
	r := httptest.NewRequest(http.MethodPost, "/control", bytes.NewBufferString(`{"user_id":"x","command":"status"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/control", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
