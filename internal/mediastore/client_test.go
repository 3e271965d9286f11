package mediastore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojo-tracker/capture/internal/auth"
	"github.com/dojo-tracker/capture/internal/errs"
)

func storeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/training/videos/42/stream" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer athlete-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "video/webm")
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Header.Get("Range") == "bytes=4-" {
			w.Header().Set("Content-Range", "bytes 4-9/10")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte("567890"))
			return
		}
		_, _ = w.Write([]byte("1234567890"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientOpen(t *testing.T) {
	srv := storeServer(t)
	c := NewClient(srv.URL+"/", auth.NewStatic("athlete-token"), nil)

	pb, err := c.Open(context.Background(), "42", "")
	require.NoError(t, err)
	defer pb.Body.Close()
	body, _ := io.ReadAll(pb.Body)
	assert.Equal(t, "1234567890", string(body))
	assert.Equal(t, "video/webm", pb.ContentType)
	assert.Equal(t, http.StatusOK, pb.StatusCode)
}

func TestClientOpenRange(t *testing.T) {
	srv := storeServer(t)
	c := NewClient(srv.URL, auth.NewStatic("athlete-token"), nil)

	pb, err := c.Open(context.Background(), "42", "bytes=4-")
	require.NoError(t, err)
	defer pb.Body.Close()
	assert.Equal(t, http.StatusPartialContent, pb.StatusCode)
	assert.Equal(t, "bytes 4-9/10", pb.ContentRange)

	h := http.Header{}
	pb.Header(h)
	assert.Equal(t, "6", h.Get("Content-Length"))
	assert.Equal(t, "bytes", h.Get("Accept-Ranges"))
}

func TestClientOpenErrors(t *testing.T) {
	srv := storeServer(t)

	_, err := NewClient(srv.URL, auth.NewStatic("athlete-token"), nil).Open(context.Background(), "7", "")
	require.ErrorIs(t, err, errs.ErrServer)
	assert.Equal(t, http.StatusNotFound, errs.StatusCode(err))

	_, err = NewClient(srv.URL, auth.NewStatic("wrong"), nil).Open(context.Background(), "42", "")
	assert.Equal(t, http.StatusUnauthorized, errs.StatusCode(err))

	_, err = NewClient(srv.URL, auth.NewStatic(""), nil).Open(context.Background(), "42", "")
	require.ErrorIs(t, err, errs.ErrServer)
	assert.Equal(t, http.StatusUnauthorized, errs.StatusCode(err))

	srv.Close()
	_, err = NewClient(srv.URL, auth.NewStatic("athlete-token"), nil).Open(context.Background(), "42", "")
	assert.ErrorIs(t, err, errs.ErrOffline)
}

type fakePresigner struct {
	url string
	err error
	key string
}

func (f *fakePresigner) PresignedDownloadURL(_ context.Context, key string) (string, error) {
	f.key = key
	return f.url, f.err
}

func TestS3PlayerOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "video/webm")
		_, _ = w.Write([]byte("object"))
	}))
	defer srv.Close()

	ps := &fakePresigner{url: srv.URL + "/recordings/2026/05/a.webm?X-Amz-Signature=abc"}
	pb, err := NewS3Player(ps, nil).Open(context.Background(), "recordings/2026/05/a.webm", "")
	require.NoError(t, err)
	defer pb.Body.Close()
	body, _ := io.ReadAll(pb.Body)
	assert.Equal(t, "object", string(body))
	assert.Equal(t, "recordings/2026/05/a.webm", ps.key)

	_, err = NewS3Player(&fakePresigner{err: errors.New("no credentials")}, nil).Open(context.Background(), "k", "")
	assert.ErrorIs(t, err, errs.ErrOffline)
}
