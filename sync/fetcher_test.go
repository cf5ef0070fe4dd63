package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchChangesFollowsPagination(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/me/mailFolders/inbox/messages/delta":
			writeJSON(w, map[string]interface{}{
				"value": []map[string]interface{}{
					{"id": "m1", "receivedDateTime": "2026-08-27T09:00:00Z"},
					{"id": "m2", "receivedDateTime": "2026-08-27T09:01:00Z"},
				},
				"@odata.nextLink": "http://" + r.Host + "/page2",
			})
		case "/page2":
			writeJSON(w, map[string]interface{}{
				"value": []map[string]interface{}{
					{"id": "m3", "@removed": map[string]string{"reason": "deleted"}},
				},
				"@odata.deltaLink": "http://" + r.Host + "/delta-final",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fetcher := NewPageFetcherWithBase(srv.URL, testLogger())

	var ids []string
	cursor, err := fetcher.FetchChanges(context.Background(), "token-abc", "inbox", nil, func(raw RawChange) error {
		ids = append(ids, raw.ID)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer token-abc", gotAuth)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
	assert.Equal(t, "http://"+srv.Listener.Addr().String()+"/delta-final", cursor)
}

func TestFetchChangesResumesFromCursor(t *testing.T) {
	var requestedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		writeJSON(w, map[string]interface{}{
			"value":            []map[string]interface{}{},
			"@odata.deltaLink": "http://" + r.Host + "/delta-next",
		})
	}))
	defer srv.Close()

	fetcher := NewPageFetcherWithBase(srv.URL, testLogger())
	cursor := srv.URL + "/stored-delta-link"

	newCursor, err := fetcher.FetchChanges(context.Background(), "token", "inbox", &cursor, func(RawChange) error {
		t.Fatal("no records expected")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "/stored-delta-link", requestedPath)
	assert.NotEmpty(t, newCursor)
}

func TestFetchChangesStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuthExpired},
		{http.StatusForbidden, KindAuthExpired},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusNotFound, KindProviderRejected},
		{http.StatusBadRequest, KindProviderRejected},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			fetcher := NewPageFetcherWithBase(srv.URL, testLogger())
			cursor, err := fetcher.FetchChanges(context.Background(), "token", "inbox", nil, func(RawChange) error {
				return nil
			})
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
			// The old cursor must stay authoritative on failure.
			assert.Empty(t, cursor)
		})
	}
}

func TestFetchChangesNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	fetcher := NewPageFetcherWithBase(srv.URL, testLogger())
	_, err := fetcher.FetchChanges(context.Background(), "token", "inbox", nil, func(RawChange) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestFetchChangesCallbackErrorAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"value": []map[string]interface{}{
				{"id": "m1"},
			},
			"@odata.deltaLink": "http://" + r.Host + "/delta",
		})
	}))
	defer srv.Close()

	fetcher := NewPageFetcherWithBase(srv.URL, testLogger())
	sentinel := fmt.Errorf("stop")
	cursor, err := fetcher.FetchChanges(context.Background(), "token", "inbox", nil, func(RawChange) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Empty(t, cursor)
}

func TestFetchChangesPageWithoutLinksRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"value": []map[string]interface{}{},
		})
	}))
	defer srv.Close()

	fetcher := NewPageFetcherWithBase(srv.URL, testLogger())
	_, err := fetcher.FetchChanges(context.Background(), "token", "inbox", nil, func(RawChange) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, KindProviderRejected, KindOf(err))
}
