package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotify_PostsFormattedLine(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "refactorctl")
	ok := n.Notify(context.Background(), StatusSuccess, "group /search", nil)

	require.True(t, ok)
	require.Contains(t, gotBody, "refactorctl says group /search succeeded")
}

func TestNotify_FailureIncludesErrorTail(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "refactorctl")
	longErr := errors.New(strings.Repeat("x", 200))
	n.Notify(context.Background(), StatusFailure, "group /search", longErr)

	require.Contains(t, gotBody, "failed:")
	require.Contains(t, gotBody, strings.Repeat("x", errorTailLen))
}

func TestNotify_NoEndpointIsNoop(t *testing.T) {
	n := New("", "refactorctl")
	ok := n.Notify(context.Background(), StatusStarted, "audit", nil)
	require.False(t, ok)
}

func TestNotify_TransportErrorSwallowed(t *testing.T) {
	n := New("http://127.0.0.1:1", "refactorctl")
	ok := n.Notify(context.Background(), StatusStarted, "audit", nil)
	require.False(t, ok)
}
