package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/browsetrace-captcha/internal/models"
)

func TestSubmitReturnsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ChallengePath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer public-key", r.Header.Get("Authorization"))

		var req models.ChallengeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "b64payload", req.Data)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"xyz","extra":true}`))
	}))
	defer server.Close()

	c := New(server.URL, WithCredential("public-key"))
	token, err := c.Submit(context.Background(), "b64payload")

	require.NoError(t, err)
	assert.Equal(t, "xyz", token)
}

func TestSubmitLogsRequestSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"xyz"}`))
	}))
	defer server.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := New(server.URL, WithLogger(logger))
	_, err := c.Submit(context.Background(), "b64payload")
	require.NoError(t, err)

	body, err := json.Marshal(models.ChallengeRequest{Data: "b64payload"})
	require.NoError(t, err)

	var entry map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		entry = map[string]any{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "submitting evidence" {
			break
		}
	}
	assert.Equal(t, "submitting evidence", entry["msg"])
	assert.Equal(t, float64(len(body)), entry["bytes"])
	assert.NotEmpty(t, entry["size"])
}

func TestSubmitWithoutCredentialSendsNoAuthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"token":"t"}`))
	}))
	defer server.Close()

	_, err := New(server.URL).Submit(context.Background(), "p")
	require.NoError(t, err)
}

func TestSubmitServerErrorIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := New(server.URL).Submit(context.Background(), "p")

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	assert.Contains(t, err.Error(), "boom")
}

func TestSubmitMalformedBodyIsProtocolError(t *testing.T) {
	for name, body := range map[string]string{
		"not json":      `<html>oops</html>`,
		"missing token": `{"error":"nope"}`,
		"empty token":   `{"token":""}`,
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer server.Close()

			_, err := New(server.URL).Submit(context.Background(), "p")

			var protocolErr *ProtocolError
			require.True(t, errors.As(err, &protocolErr), "got %v", err)
			assert.Equal(t, body, protocolErr.Body)
		})
	}
}

func TestSubmitUnreachableIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := New(url).Submit(context.Background(), "p")

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Zero(t, transportErr.StatusCode)
}

func TestSubmitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(server.URL).Submit(ctx, "p")

	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConcurrentSubmitsAreIndependent(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"token":"t"}`))
	}))
	defer server.Close()

	c := New(server.URL)
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := c.Submit(context.Background(), "same")
			errs <- err
		}()
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://127.0.0.1:8123", "http://127.0.0.1:8123/api/challenge"},
		{"http://127.0.0.1:8123/", "http://127.0.0.1:8123/api/challenge"},
		{"https://captcha.example.com/v2/challenge", "https://captcha.example.com/v2/challenge"},
		{"", "/api/challenge"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveEndpoint(tt.in), tt.in)
	}
}
