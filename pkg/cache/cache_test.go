package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srivishnuk/pt-instances-management/pkg/apperr"
	"github.com/srivishnuk/pt-instances-management/pkg/storage"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, t.TempDir(), "/cache")
}

func TestGetOrDownloadFetchesOnce(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("pkt-data"))
	}))
	defer srv.Close()

	c := newTestCache(t)

	r1, err := c.GetOrDownload(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, r1.ContainerPath, "/cache/")

	r2, err := c.GetOrDownload(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, r1.ContainerPath, r2.ContainerPath)
	assert.Equal(t, 1, hits)
}

func TestGetOrDownloadBadURLReturnsBadRequest(t *testing.T) {
	c := newTestCache(t)
	_, err := c.GetOrDownload(context.Background(), "http://127.0.0.1:0/nope")
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.BadRequest, appErr.Kind)
}

func TestDeleteRemovesEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pkt-data"))
	}))
	defer srv.Close()

	c := newTestCache(t)
	_, err := c.GetOrDownload(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = c.Delete(srv.URL)
	require.NoError(t, err)

	_, err = c.Get(srv.URL)
	assert.Error(t, err)
}
