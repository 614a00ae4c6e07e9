package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyURLIsNoop(t *testing.T) {
	g := New("", "", 0)
	_, ok := g.(NoopGateway)
	require.True(t, ok)

	results, err := g.SendBatch(context.Background(), []string{"a", "b"}, Payload{Title: "t"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, ResultOK, results[1].Status)
}

func TestNewHTTPGateway_DefaultTimeout(t *testing.T) {
	g := NewHTTPGateway("https://push.example", "k", 0)
	assert.Equal(t, defaultTimeout, g.HTTPClient.Timeout)
}

func TestSendBatch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "New message", body["title"])
		assert.Equal(t, float64(3600), body["ttlSeconds"])
		assert.Len(t, body["tokens"], 2)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"results":[{"token":"tok-good","status":"ok"},{"token":"tok-bad","status":"invalid","error":"unregistered"}]}`))
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "test-key", time.Second)
	results, err := g.SendBatch(context.Background(), []string{"tok-good", "tok-bad"}, Payload{
		Title: "New message", Body: "hi", TTL: time.Hour, Priority: PriorityHigh,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, ResultOK, results[0].Status)
	assert.Equal(t, ResultInvalid, results[1].Status)

	ok, invalid, failed := Summarize(results)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, invalid)
	assert.Zero(t, failed)
}

func TestSendBatch_MissingTokenIsFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	results, err := NewHTTPGateway(server.URL, "", time.Second).SendBatch(context.Background(), []string{"tok"}, Payload{})
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, results[0].Status)
}

func TestSendBatch_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`nope`))
			}))
			defer server.Close()

			_, err := NewHTTPGateway(server.URL, "", time.Second).SendBatch(context.Background(), []string{"tok"}, Payload{})
			require.Error(t, err)
			assert.Equal(t, tc.retryable, errors.Is(err, ErrUnavailable))
		})
	}
}

func TestSendBatch_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := NewHTTPGateway(server.URL, "", 50*time.Millisecond).SendBatch(context.Background(), []string{"tok"}, Payload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestSendBatch_NoTokens(t *testing.T) {
	results, err := NewHTTPGateway("http://127.0.0.1:1", "", time.Second).SendBatch(context.Background(), nil, Payload{})
	require.NoError(t, err)
	assert.Nil(t, results)
}
