package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPageBody_ReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/keyspaces/gibsey/pages/p1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(pageBodyResponse{Body: "hello page"})
	}))
	defer srv.Close()

	c := New(srv.URL, "gibsey", "")
	body, err := c.GetPageBody(t.Context(), "p1")

	require.NoError(t, err)
	assert.Equal(t, "hello page", body)
}

func TestGetPageBody_404IsNotFoundAndNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "gibsey", "")
	_, err := c.GetPageBody(t.Context(), "missing")

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetPageBody_5xxIsRetriedThenUpstreamError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "gibsey", "")
	_, err := c.GetPageBody(t.Context(), "p1")

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestGetPageBody_400IsClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "gibsey", "")
	_, err := c.GetPageBody(t.Context(), "p1")

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestPut_WritesStargateRowWithAuthToken(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Cassandra-Token")
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "gibsey", "secret-token")
	err := c.Put(t.Context(), "page_vectors", "p1", map[string]any{"vector": []float32{1, 2}})

	require.NoError(t, err)
	assert.Equal(t, "secret-token", gotAuth)
	assert.Equal(t, "/v2/keyspaces/gibsey/page_vectors/p1", gotPath)
}

func TestDelete_TreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "gibsey", "")
	err := c.Delete(t.Context(), "page_vectors", "already-gone")

	require.NoError(t, err)
}

func TestPagedScan_FollowsPageStateUntilExhausted(t *testing.T) {
	pages := []scanPage{
		{Data: []Row{rowFor("a"), rowFor("b")}, PageState: "tok2"},
		{Data: []Row{rowFor("c")}},
	}
	var call int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/keyspaces/gibsey/page_vectors", r.URL.Path)
		idx := atomic.AddInt32(&call, 1) - 1
		if idx == 1 {
			assert.Equal(t, "tok2", r.URL.Query().Get("page-state"))
		}
		_ = json.NewEncoder(w).Encode(pages[idx])
	}))
	defer srv.Close()

	c := New(srv.URL, "gibsey", "")
	var allIDs []string
	err := c.PagedScan(t.Context(), "page_vectors", 2, func(rows []Row) error {
		for _, r := range rows {
			var id string
			require.NoError(t, json.Unmarshal(r["page_id"], &id))
			allIDs = append(allIDs, id)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, allIDs)
	assert.EqualValues(t, 2, atomic.LoadInt32(&call))
}

func TestPagedScan_PropagatesVisitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(scanPage{Data: []Row{rowFor("a")}})
	}))
	defer srv.Close()

	c := New(srv.URL, "gibsey", "")
	boom := fmt.Errorf("boom")
	err := c.PagedScan(t.Context(), "t", 10, func(rows []Row) error { return boom })

	require.ErrorIs(t, err, boom)
}

func TestNotifyRefresh_FailureReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "gibsey", "")
	err := c.NotifyRefresh(t.Context(), srv.URL+"/refresh", "p1", []float32{1})

	require.Error(t, err)
}

func rowFor(pageID string) Row {
	return Row{
		"page_id": json.RawMessage(`"` + pageID + `"`),
		"vector":  json.RawMessage(`[0.5]`),
	}
}
