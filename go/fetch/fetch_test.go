package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testClient(tries int) *Client {
	return &Client{MaxTries: tries, RetryWait: time.Millisecond}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var attempts int
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	var status, body, err = testClient(5).Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []byte("payload"), body)
	require.Equal(t, 3, attempts)
}

func TestFailsAfterLastAttempt(t *testing.T) {
	var attempts int
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var _, _, err = testClient(2).Get(context.Background(), srv.URL, nil)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, http.StatusBadGateway, ue.Status)
	require.Equal(t, 2, attempts)
}

func TestTransportFailure(t *testing.T) {
	// A closed server gives a connection error on every attempt.
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	var _, _, err = testClient(2).Get(context.Background(), srv.URL, nil)

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	require.Zero(t, ue.Status)
	require.Error(t, ue.Cause)
}

func TestHeadersAndUserAgent(t *testing.T) {
	var gotAgent, gotHeader string
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		gotHeader = r.Header.Get("X-Custom")
	}))
	defer srv.Close()

	var _, _, err = testClient(1).Get(context.Background(), srv.URL,
		map[string]string{"X-Custom": "yes"})
	require.NoError(t, err)
	require.Equal(t, DefaultUserAgent, gotAgent)
	require.Equal(t, "yes", gotHeader)
}

func TestTraceLogAppends(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<response/>"))
	}))
	defer srv.Close()

	var path = filepath.Join(t.TempDir(), "trace.log")
	var c = testClient(1)
	c.TracePath = path

	var _, _, err = c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "REQUEST")
	require.Contains(t, string(data), srv.URL)
	require.Contains(t, string(data), "RESPONSE")
	require.Contains(t, string(data), "<response/>")
}
