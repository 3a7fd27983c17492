package feedback

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/feedback/runlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, runs *runlog.Log) (*Server, *Store) {
	t.Helper()
	store := &Store{Path: filepath.Join(t.TempDir(), "issues.parquet")}
	require.NoError(t, store.Commit(context.Background(), querySnapshot(t)))

	srv := &Server{
		Log:      testLogger(),
		Store:    store,
		Runs:     runs,
		CacheTTL: time.Hour,
		Rand:     rand.New(rand.NewPCG(3, 4)),
	}
	srv.Init()
	return srv, store
}

func get(t *testing.T, h http.Handler, target string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
	}
	return rec.Code
}

func TestServerIssues(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	var resp struct {
		Count  int      `json:"count"`
		Issues []*Issue `json:"issues"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/issues?label=Verkehr&label=Umwelt", &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, []int64{1}, ids(resp.Issues))

	require.Equal(t, http.StatusOK, get(t, srv, "/issues?page=/mobil&page=/wohnen&include_stale=true", &resp))
	assert.Equal(t, []int64{1, 2, 3, 5}, ids(resp.Issues))

	require.Equal(t, http.StatusOK, get(t, srv, "/issues?min_sentiment=0.1&form=true", &resp))
	assert.Equal(t, []int64{1}, ids(resp.Issues))

	require.Equal(t, http.StatusOK, get(t, srv, "/issues?label=Unklar", &resp))
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Issues)

	var errResp struct {
		Error string `json:"error"`
	}
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/issues?min_sentiment=abc", &errResp))
	assert.Contains(t, errResp.Error, "min_sentiment")
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/issues?min_sentiment=0.5&max_sentiment=0", &errResp))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/issues?form=maybe", &errResp))
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/issues?round=0", &errResp))
	assert.Contains(t, errResp.Error, "round")

	require.Equal(t, http.StatusOK, get(t, srv, "/issues?organisation=publicplan+GmbH&round=2", &resp))
	assert.Equal(t, []int64{3}, ids(resp.Issues))
}

func TestServerSample(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	var resp struct {
		Count   int      `json:"count"`
		Matched int      `json:"matched"`
		Issues  []*Issue `json:"issues"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/issues/sample?n=2", &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 4, resp.Matched)
	assert.Len(t, resp.Issues, 2)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/issues/sample?n=0", nil))
}

func TestServerSampleConcurrent(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				rec := httptest.NewRecorder()
				srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/issues/sample?n=1", nil))
				assert.Equal(t, http.StatusOK, rec.Code)
			}
		}()
	}
	wg.Wait()
}

func TestServerStats(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	var st Stats
	require.Equal(t, http.StatusOK, get(t, srv, "/stats?bucket=week&label=Verkehr", &st))
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, []Count{{"Verkehr", 2}, {"Umwelt", 1}}, st.Labels)
	assert.Equal(t, []Count{{"Unklar", 1}, {"publicplan GmbH", 1}}, st.Organisations)
	assert.Equal(t, []Count{{"1", 2}}, st.Rounds)
	require.NotNil(t, st.MeanSentiment)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/stats?bucket=year", nil))
}

func TestServerCachesSnapshot(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t, nil)

	var resp struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/issues", &resp))
	assert.Equal(t, 4, resp.Count)

	require.NoError(t, store.Commit(context.Background(), NewSnapshot()))
	require.Equal(t, http.StatusOK, get(t, srv, "/issues", &resp))
	assert.Equal(t, 4, resp.Count, "served from cache until the TTL expires")
}

func TestServerRuns(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/runs", nil))

	runs, err := runlog.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })
	require.NoError(t, runs.Record(context.Background(), &runlog.Run{
		ID:         "r1",
		StartedAt:  testEpoch,
		FinishedAt: testEpoch.Add(time.Minute),
		Status:     runlog.StatusSucceeded,
		Fetched:    5,
	}))

	srv, _ = newTestServer(t, runs)
	var resp struct {
		Runs []runlog.Run `json:"runs"`
	}
	require.Equal(t, http.StatusOK, get(t, srv, "/runs?n=5", &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "r1", resp.Runs[0].ID)
	assert.Equal(t, 5, resp.Runs[0].Fetched)
}

func TestServerHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, get(t, srv, "/healthz", nil))
}
