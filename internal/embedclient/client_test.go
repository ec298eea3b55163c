package embedclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbed_ReturnsUpstreamVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := New(srv.URL, "nomic-embed-text")
	vec, err := c.Embed(t.Context(), "hello world")

	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbed_CachesRepeatedQueries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 2, 3}})
	}))
	defer srv.Close()

	c := New(srv.URL, "m")
	_, err := c.Embed(t.Context(), "same query")
	require.NoError(t, err)
	_, err = c.Embed(t.Context(), "same query")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEmbed_DedupesConcurrentCacheMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{9, 9, 9}})
	}))
	defer srv.Close()

	c := New(srv.URL, "m")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Embed(t.Context(), "concurrent query")
			assert.NoError(t, err)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEmbed_RetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{4, 5, 6}})
	}))
	defer srv.Close()

	c := New(srv.URL, "m")
	vec, err := c.Embed(t.Context(), "retry me")

	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, vec)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestEmbed_DoesNotRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "m")
	_, err := c.Embed(t.Context(), "bad request")

	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEmbed_EmptyEmbeddingIsRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: nil})
	}))
	defer srv.Close()

	c := New(srv.URL, "m")
	_, err := c.Embed(t.Context(), "empty")

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestCacheStats_ReflectsOccupancy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1}})
	}))
	defer srv.Close()

	c := New(srv.URL, "m", WithCacheSize(10))
	_, err := c.Embed(t.Context(), "one")
	require.NoError(t, err)
	_, err = c.Embed(t.Context(), "two")
	require.NoError(t, err)

	assert.Equal(t, 2, c.CacheStats().CacheLen)
}

func TestEmbed_ExpiredCacheEntryIsRefetched(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 2}})
	}))
	defer srv.Close()

	c := New(srv.URL, "m", WithCacheTTL(10*time.Millisecond))
	_, err := c.Embed(t.Context(), "expiring")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = c.Embed(t.Context(), "expiring")
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestEmbed_WrongDimensionFailsWithDimensionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 2, 3}})
	}))
	defer srv.Close()

	c := New(srv.URL, "m", WithExpectedDimension(768), WithHTTPClient(srv.Client()))
	_, err := c.Embed(t.Context(), "short vector")

	var dimErr *DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 768, dimErr.Expected)
	assert.Equal(t, 3, dimErr.Got)
}
