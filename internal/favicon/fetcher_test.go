package favicon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabdeck/tabdeck/internal/blobstore"
	"github.com/tabdeck/tabdeck/internal/content"
	"github.com/tabdeck/tabdeck/internal/logging"
	"github.com/tabdeck/tabdeck/internal/models"
)

var iconBytes = []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x10, 0x10}

func testFetcher(t *testing.T, client *http.Client) (*Fetcher, *blobstore.Store) {
	t.Helper()

	blobs, err := blobstore.OpenAt(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	return NewFetcher(blobs, client, logging.Discard()), blobs
}

func TestFetch_CachesContentAddressed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/favicon.ico", r.URL.Path)
		w.Header().Set("Content-Type", "image/x-icon")
		w.Write(iconBytes)
	}))
	defer srv.Close()

	f, blobs := testFetcher(t, srv.Client())

	ref, err := f.Fetch(context.Background(), srv.URL+"/some/page")
	require.NoError(t, err)
	require.NotNil(t, ref)

	assert.Equal(t, models.RefBlob, ref.Kind)
	assert.Equal(t, blobstore.Favicons, ref.Store)
	assert.Equal(t, content.Hash(iconBytes), ref.Key)

	stored, err := blobs.Get(blobstore.Favicons, ref.Key)
	require.NoError(t, err)
	assert.Equal(t, iconBytes, stored)
}

func TestFetch_IdenticalIconsShareOneKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(iconBytes)
	}))
	defer srv.Close()

	f, blobs := testFetcher(t, srv.Client())

	ref1, err := f.Fetch(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	ref2, err := f.Fetch(context.Background(), srv.URL+"/b")
	require.NoError(t, err)

	assert.Equal(t, ref1.Key, ref2.Key)

	keys, err := blobs.Keys(blobstore.Favicons)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestFetch_404IsNoFavicon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, _ := testFetcher(t, srv.Client())

	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrNoFavicon)
}

func TestFetch_HTMLErrorPageIsNoFavicon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>not found</body></html>"))
	}))
	defer srv.Close()

	f, _ := testFetcher(t, srv.Client())

	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrNoFavicon)
}

func TestFetch_InvalidURL(t *testing.T) {
	f, _ := testFetcher(t, nil)

	_, err := f.Fetch(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestFetch_ConcurrentProbesDeduplicated(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		w.Header().Set("Content-Type", "image/png")
		w.Write(iconBytes)
	}))
	defer srv.Close()

	f, _ := testFetcher(t, srv.Client())

	const callers = 8

	var wg sync.WaitGroup
	refs := make([]*models.IconRef, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = f.Fetch(context.Background(), srv.URL+"/page")
		}(i)
	}

	// Let all callers pile onto the in-flight probe, then release it.
	assert.Eventually(t, func() bool { return requests.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, refs[0].Key, refs[i].Key)
	}

	assert.Equal(t, int32(1), requests.Load(), "concurrent identical fetches must share one probe")
}
