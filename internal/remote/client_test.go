package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinfoilsh/chatsync/internal/common"
	"github.com/tinfoilsh/chatsync/internal/logging"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

// newTestClient wires a Client against a handler that also serves the key
// exchange endpoint.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"apiKey": "session-key"})
	})
	mux.HandleFunc("/", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ks := NewKeySource(srv.URL, staticTokens("bearer"), srv.Client())
	return NewClient(srv.URL, ks, srv.Client(), testLogger()), srv
}

func TestClient_GenerateID(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/chats/generate-id", r.URL.Path)
		require.Equal(t, "Bearer session-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"chatId": "rt123-abc", "timestamp": ts})
	})

	id, stamp, err := c.GenerateID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt123-abc", id)
	assert.True(t, stamp.Equal(ts))
}

func TestClient_ListPassesPagingParams(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "25", r.URL.Query().Get("limit"))
		require.Equal(t, "tok-1", r.URL.Query().Get("continuationToken"))
		_ = json.NewEncoder(w).Encode(ListResult{
			Entries:               []Entry{{ID: "a"}},
			NextContinuationToken: "tok-2",
			HasMore:               true,
		})
	})

	res, err := c.List(context.Background(), 25, "tok-1")
	require.NoError(t, err)
	assert.Len(t, res.Entries, 1)
	assert.Equal(t, "tok-2", res.NextContinuationToken)
	assert.True(t, res.HasMore)
}

func TestClient_UploadRoundTripsBody(t *testing.T) {
	var got struct {
		EncryptedBody []byte   `json:"encryptedBody"`
		Metadata      Metadata `json:"metadata"`
	}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1/chats/id-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	meta := Metadata{Title: "t", SyncVersion: 4}
	require.NoError(t, c.Upload(context.Background(), "id-1", []byte{1, 2}, meta))
	assert.Equal(t, []byte{1, 2}, got.EncryptedBody)
	assert.Equal(t, int64(4), got.Metadata.SyncVersion)
}

func TestClient_RefreshesKeyOnceOn401(t *testing.T) {
	var attempts atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(ListResult{})
	})

	_, err := c.List(context.Background(), 10, "")
	require.NoError(t, err, "a single 401 must be retried with a fresh key")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_SurfacesUnauthorizedAfterRetry(t *testing.T) {
	var attempts atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.List(context.Background(), 10, "")
	require.ErrorIs(t, err, common.ErrUnauthorized)
	assert.Equal(t, int32(2), attempts.Load(), "exactly one silent retry")
}

func TestClient_MapsServerErrorsToUnavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.Upload(context.Background(), "x", nil, Metadata{})
	require.ErrorIs(t, err, common.ErrUnavailable)
}

func TestClient_DeleteIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})

	require.NoError(t, c.Delete(context.Background(), "gone"),
		"deleting a record the server never saw must not be an error")
}

func TestClient_FetchRecordNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.FetchRecord(context.Background(), "missing")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestClient_NetworkErrorIsUnavailable(t *testing.T) {
	ksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"apiKey": "k"})
	}))
	defer ksSrv.Close()

	ks := NewKeySource(ksSrv.URL, staticTokens("b"), ksSrv.Client())
	// Point the API client at a closed port.
	c := NewClient("http://127.0.0.1:1", ks, &http.Client{Timeout: time.Second}, testLogger())

	_, err := c.List(context.Background(), 10, "")
	require.ErrorIs(t, err, common.ErrUnavailable)
}
