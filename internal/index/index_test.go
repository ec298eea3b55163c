package index

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 768

func unitVec(seed float32) []float32 {
	v := make([]float32, dim)
	v[0] = seed
	v[1] = 1
	return v
}

func norm(v []float32) float64 {
	var sumSq float64
	for _, c := range v {
		sumSq += float64(c) * float64(c)
	}
	return math.Sqrt(sumSq)
}

func TestAdd_NormalizesToUnitLength(t *testing.T) {
	ix := New(dim)
	vec := make([]float32, dim)
	vec[0] = 3
	vec[1] = 4

	require.NoError(t, ix.Add("p1", vec))

	ix.mu.RLock()
	slot := ix.slotOf["p1"]
	stored := ix.vectors[slot]
	ix.mu.RUnlock()

	assert.InDelta(t, 1.0, norm(stored), 1e-6)
}

func TestAdd_RejectsWrongDimension(t *testing.T) {
	ix := New(dim)
	err := ix.Add("p1", make([]float32, 10))

	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
}

func TestAdd_RejectsNonFiniteComponent(t *testing.T) {
	ix := New(dim)
	vec := make([]float32, dim)
	vec[0] = float32(math.NaN())

	err := ix.Add("p1", vec)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
}

func TestSearch_EmptyIndexReturnsEmptyNotError(t *testing.T) {
	ix := New(dim)
	hits, err := ix.Search(unitVec(0), 4)

	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_ExactVectorScoresNearOne(t *testing.T) {
	ix := New(dim)
	e1 := unitVec(5)
	require.NoError(t, ix.Add("p1", e1))

	hits, err := ix.Search(e1, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p1", hits[0].PageID)
	assert.GreaterOrEqual(t, hits[0].Score, float32(1-1e-6))
}

func TestSearch_ResultsAreSortedDescendingAndDistinct(t *testing.T) {
	ix := New(dim)
	for i := 0; i < 20; i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rand.Float32()*2 - 1
		}
		require.NoError(t, ix.Add(pageName(i), v))
	}

	query := make([]float32, dim)
	for j := range query {
		query[j] = rand.Float32()*2 - 1
	}

	hits, err := ix.Search(query, 5)
	require.NoError(t, err)
	require.Len(t, hits, 5)

	seen := map[string]bool{}
	for i, h := range hits {
		assert.False(t, seen[h.PageID], "duplicate page_id %s in results", h.PageID)
		seen[h.PageID] = true
		if i > 0 {
			assert.LessOrEqual(t, hits[i].Score, hits[i-1].Score)
		}
	}
}

func TestSearch_MatchesBruteForceTopK(t *testing.T) {
	ix := New(dim)
	vecs := make(map[string][]float32)
	for i := 0; i < 50; i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rand.Float32()*2 - 1
		}
		name := pageName(i)
		vecs[name] = v
		require.NoError(t, ix.Add(name, v))
	}

	query := make([]float32, dim)
	for j := range query {
		query[j] = rand.Float32()*2 - 1
	}

	got, err := ix.Search(query, 5)
	require.NoError(t, err)

	want := bruteForceTopK(vecs, query, 5)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i], got[i].PageID, "rank %d mismatch", i)
	}
}

func bruteForceTopK(vecs map[string][]float32, query []float32, k int) []string {
	qn, _ := New(dim).normalize(query)
	type scored struct {
		id    string
		score float32
	}
	var scoredAll []scored
	for id, v := range vecs {
		vn, _ := New(dim).normalize(v)
		scoredAll = append(scoredAll, scored{id: id, score: dot(qn, vn)})
	}
	for i := 0; i < len(scoredAll); i++ {
		for j := i + 1; j < len(scoredAll); j++ {
			if scoredAll[j].score > scoredAll[i].score {
				scoredAll[i], scoredAll[j] = scoredAll[j], scoredAll[i]
			}
		}
	}
	if k > len(scoredAll) {
		k = len(scoredAll)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = scoredAll[i].id
	}
	return out
}

func pageName(i int) string {
	return "page-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestAdd_ReplacementSemantics(t *testing.T) {
	ix := New(dim)
	v1 := unitVec(1)
	v2 := unitVec(99)

	require.NoError(t, ix.Add("p1", v1))
	require.NoError(t, ix.Add("p1", v2))

	assert.Equal(t, 1, ix.Stats().Count)

	hits, err := ix.Search(v2, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, float64(1), float64(hits[0].Score), 1e-5)

	hits, err = ix.Search(v1, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Less(t, hits[0].Score, float32(0.999))
}

func TestRemove_ReturnsFalseWhenAbsent(t *testing.T) {
	ix := New(dim)
	assert.False(t, ix.Remove("missing"))
}

func TestRemove_ReleasesSlotAndUpdatesStats(t *testing.T) {
	ix := New(dim)
	require.NoError(t, ix.Add("p1", unitVec(1)))
	require.NoError(t, ix.Add("p2", unitVec(2)))

	assert.True(t, ix.Remove("p1"))
	assert.Equal(t, 1, ix.Stats().Count)

	hits, err := ix.Search(unitVec(2), 2)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p2", hits[0].PageID)
}

func TestBulkLoad_ReplacesEntireIndex(t *testing.T) {
	ix := New(dim)
	require.NoError(t, ix.Add("stale", unitVec(1)))

	entries := map[string][]float32{
		"p1": unitVec(1),
		"p2": unitVec(2),
		"p3": unitVec(3),
	}
	require.NoError(t, ix.BulkLoad(entries))

	assert.Equal(t, 3, ix.Stats().Count)
	for id, vec := range entries {
		hits, err := ix.Search(vec, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, id, hits[0].PageID)
	}

	hits, err := ix.Search(unitVec(1), 3)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "stale", h.PageID)
	}
}

func TestClear_EmptiesIndex(t *testing.T) {
	ix := New(dim)
	require.NoError(t, ix.Add("p1", unitVec(1)))

	ix.Clear()

	assert.Equal(t, 0, ix.Stats().Count)
	hits, err := ix.Search(unitVec(1), 1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStats_ReflectsCountAndDimension(t *testing.T) {
	ix := New(dim)
	require.NoError(t, ix.Add("p1", unitVec(1)))
	require.NoError(t, ix.Add("p2", unitVec(2)))

	stats := ix.Stats()
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, dim, stats.Dimension)
	assert.Equal(t, 2, stats.UniqueIDs)
	assert.Equal(t, int64(2*dim*4), stats.ApproxBytes)
}

func TestBulkLoad_ConcurrentSearchSeesOldOrNewStateNeverMixed(t *testing.T) {
	ix := New(dim)
	oldEntries := map[string][]float32{}
	for i := 0; i < 10; i++ {
		oldEntries["old-"+pageName(i)] = unitVec(float32(i + 1))
	}
	require.NoError(t, ix.BulkLoad(oldEntries))

	newEntries := map[string][]float32{}
	for i := 0; i < 10; i++ {
		newEntries["new-"+pageName(i)] = unitVec(float32(i + 1))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			assert.NoError(t, ix.BulkLoad(oldEntries))
			assert.NoError(t, ix.BulkLoad(newEntries))
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}

		hits, err := ix.Search(unitVec(3), 10)
		require.NoError(t, err)
		require.Len(t, hits, 10)

		generation := hits[0].PageID[:4]
		for _, h := range hits {
			assert.Equal(t, generation, h.PageID[:4], "mixed generations in one search result")
		}
	}
}

func TestIdempotence_ReplayingAddYieldsSameState(t *testing.T) {
	ix1 := New(dim)
	ix2 := New(dim)
	v := unitVec(7)

	require.NoError(t, ix1.Add("p1", v))
	require.NoError(t, ix1.Add("p1", v))

	require.NoError(t, ix2.Add("p1", v))

	assert.Equal(t, ix1.Stats(), ix2.Stats())
}
