package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gibsey/memory-rag/internal/index"
	"github.com/gibsey/memory-rag/internal/retrieval"
	"github.com/gibsey/memory-rag/internal/upstream"
)

const dim = 768

func unitVec(seed float32) []float32 {
	v := make([]float32, dim)
	v[0] = seed
	v[1] = 1
	return v
}

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

type stubBodies struct {
	bodies map[string]string
}

func (s *stubBodies) GetPageBody(ctx context.Context, pageID string) (string, error) {
	body, ok := s.bodies[pageID]
	if !ok {
		return "", &upstream.NotFoundError{Key: pageID}
	}
	return body, nil
}

type stubLoader struct{}

func (s *stubLoader) LoadAll(ctx context.Context) (map[string][]float32, error) {
	return map[string][]float32{}, nil
}

func newTestService() *retrieval.Service {
	return retrieval.New(index.New(dim), &stubEmbedder{vec: unitVec(1)}, &stubBodies{bodies: map[string]string{}}, &stubLoader{}, nil)
}

func TestHealth_DegradedWhenIndexEmpty(t *testing.T) {
	svc := newTestService()
	rec := httptest.NewRecorder()
	Health(svc)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusMultiStatus, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestHealth_HealthyWhenIndexNonEmpty(t *testing.T) {
	svc := newTestService()
	require.NoError(t, svc.Refresh("p1", unitVec(1)))

	rec := httptest.NewRecorder()
	Health(svc)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRetrieve_ShortQueryReturns400(t *testing.T) {
	svc := newTestService()
	rec := httptest.NewRecorder()
	Retrieve(svc)(rec, httptest.NewRequest(http.MethodGet, "/retrieve?q=a", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetrieve_ReturnsIndexedPage(t *testing.T) {
	ix := index.New(dim)
	require.NoError(t, ix.Add("p1", unitVec(1)))
	bodies := &stubBodies{bodies: map[string]string{"p1": "A cat sat on the mat."}}
	svc := retrieval.New(ix, &stubEmbedder{vec: unitVec(1)}, bodies, &stubLoader{}, nil)

	rec := httptest.NewRecorder()
	Retrieve(svc)(rec, httptest.NewRequest(http.MethodGet, "/retrieve?q=cat&k=2", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var results []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0]["page_id"])
}

func TestRefresh_AppliesVectorAndAcknowledges(t *testing.T) {
	svc := newTestService()
	body, _ := json.Marshal(map[string]any{"page_id": "p1", "vector": unitVec(1)})

	req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	Refresh(svc)(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, svc.Stats().IndexSize)
}

func TestRefresh_WrongDimensionReturns400(t *testing.T) {
	svc := newTestService()
	body, _ := json.Marshal(map[string]any{"page_id": "p1", "vector": []float32{1, 2, 3}})

	req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	Refresh(svc)(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefresh_NonFiniteComponentReturns422(t *testing.T) {
	svc := newTestService()
	vec := unitVec(1)
	vec[5] = float32(math.NaN())
	body, _ := json.Marshal(map[string]any{"page_id": "p1", "vector": vec})

	req := httptest.NewRequest(http.MethodPost, "/refresh", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	Refresh(svc)(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBulkRefresh_PartialApplicationReturns202(t *testing.T) {
	svc := newTestService()
	body, _ := json.Marshal([]map[string]any{
		{"page_id": "p1", "vector": unitVec(1)},
		{"page_id": "bad", "vector": []float32{1, 2}},
	})

	req := httptest.NewRequest(http.MethodPost, "/bulk-refresh", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	BulkRefresh(svc)(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, svc.Stats().IndexSize)
}

func TestBootstrap_AcknowledgesImmediately(t *testing.T) {
	svc := newTestService()
	rec := httptest.NewRecorder()
	Bootstrap(svc)(rec, httptest.NewRequest(http.MethodPost, "/bootstrap", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestVersion_ReportsIndexVectorCount(t *testing.T) {
	svc := newTestService()
	require.NoError(t, svc.Refresh("p1", unitVec(1)))

	rec := httptest.NewRecorder()
	Version(svc, "memory-rag", "9.9.9")(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "memory-rag", body["service"])
	assert.Equal(t, "9.9.9", body["version"])
	assert.Equal(t, float64(1), body["index_vectors"])
}

func TestStats_ReportsIndexTypeVerbatim(t *testing.T) {
	svc := newTestService()
	rec := httptest.NewRecorder()
	Stats(svc)(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "IndexFlatIP", body["index_type"])
}
