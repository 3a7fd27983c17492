package feedback

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ammario/tlru"
	"github.com/coder/feedback/httpjson"
	"github.com/coder/feedback/runlog"
	"github.com/go-chi/chi/v5"
)

// Server is the read-only query API over the committed snapshot.
type Server struct {
	Log   *slog.Logger
	Store *Store
	// Runs is optional; /runs answers 404 without it.
	Runs *runlog.Log
	// CacheTTL bounds how stale a served snapshot may be.
	CacheTTL time.Duration
	// Rand defaults to a time-seeded generator. Handlers share it under
	// randMu.
	Rand *rand.Rand

	randMu    sync.Mutex
	router    *chi.Mux
	snapshots *tlru.Cache[string, *Snapshot]
}

func (s *Server) Init() {
	if s.Rand == nil {
		now := uint64(time.Now().UnixNano())
		s.Rand = rand.New(rand.NewPCG(now, now>>1))
	}
	s.snapshots = tlru.New[string, *Snapshot](tlru.ConstantCost, 1)

	s.router = chi.NewRouter()
	s.router.Method(http.MethodGet, "/healthz", httpjson.Handler(s.healthz))
	s.router.Method(http.MethodGet, "/issues", httpjson.Handler(s.issues))
	s.router.Method(http.MethodGet, "/issues/sample", httpjson.Handler(s.sample))
	s.router.Method(http.MethodGet, "/stats", httpjson.Handler(s.stats))
	s.router.Method(http.MethodGet, "/runs", httpjson.Handler(s.runs))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) serverError(msg error) *httpjson.Response {
	s.Log.Error("server error", "error", msg)
	return httpjson.ErrorMessage(http.StatusInternalServerError, msg)
}

func (s *Server) snapshot(r *http.Request) (*Snapshot, error) {
	ttl := s.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.snapshots.Do(s.Store.Path, func() (*Snapshot, error) {
		return s.Store.Load(r.Context())
	}, ttl)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) *httpjson.Response {
	return httpjson.OK(httpjson.M{"status": "ok"})
}

// parseFilter reads label, page, organisation, round, min_sentiment,
// max_sentiment, form and include_stale.
func parseFilter(q url.Values) (Filter, error) {
	f := Filter{
		Labels:        q["label"],
		Pages:         q["page"],
		Organisations: q["organisation"],
	}
	for _, v := range q["round"] {
		round, err := strconv.Atoi(v)
		if err != nil || round < 1 {
			return f, errors.New("round must be a positive number")
		}
		f.Rounds = append(f.Rounds, round)
	}
	parseFloat := func(name string) (*float64, error) {
		v := q.Get(name)
		if v == "" {
			return nil, nil
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s must be a number", name)
		}
		return &x, nil
	}
	var err error
	if f.MinSentiment, err = parseFloat("min_sentiment"); err != nil {
		return f, err
	}
	if f.MaxSentiment, err = parseFloat("max_sentiment"); err != nil {
		return f, err
	}
	if f.MinSentiment != nil && f.MaxSentiment != nil && *f.MinSentiment > *f.MaxSentiment {
		return f, errors.New("min_sentiment is greater than max_sentiment")
	}
	if v := q.Get("form"); v != "" {
		form, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("form must be true or false")
		}
		f.Form = &form
	}
	if v := q.Get("include_stale"); v != "" {
		f.IncludeStale, err = strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("include_stale must be true or false")
		}
	}
	return f, nil
}

func parseN(q url.Values, def, limit int) (int, error) {
	v := q.Get("n")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("n must be a positive number")
	}
	return min(n, limit), nil
}

func (s *Server) selectIssues(r *http.Request) ([]*Issue, *httpjson.Response) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		return nil, httpjson.BadRequest(err)
	}
	snap, err := s.snapshot(r)
	if err != nil {
		return nil, s.serverError(fmt.Errorf("load snapshot: %w", err))
	}
	return snap.Select(f), nil
}

func (s *Server) issues(w http.ResponseWriter, r *http.Request) *httpjson.Response {
	issues, errResp := s.selectIssues(r)
	if errResp != nil {
		return errResp
	}
	return httpjson.OK(httpjson.M{
		"count":  len(issues),
		"issues": nonNil(issues),
	})
}

func (s *Server) sample(w http.ResponseWriter, r *http.Request) *httpjson.Response {
	n, err := parseN(r.URL.Query(), 10, 1000)
	if err != nil {
		return httpjson.BadRequest(err)
	}
	issues, errResp := s.selectIssues(r)
	if errResp != nil {
		return errResp
	}
	s.randMu.Lock()
	sample := Sample(issues, n, s.Rand)
	s.randMu.Unlock()
	return httpjson.OK(httpjson.M{
		"count":   len(sample),
		"matched": len(issues),
		"issues":  nonNil(sample),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) *httpjson.Response {
	bucket, err := ParseBucket(r.URL.Query().Get("bucket"))
	if err != nil {
		return httpjson.BadRequest(err)
	}
	issues, errResp := s.selectIssues(r)
	if errResp != nil {
		return errResp
	}
	return httpjson.OK(Aggregate(issues, bucket))
}

func (s *Server) runs(w http.ResponseWriter, r *http.Request) *httpjson.Response {
	if s.Runs == nil {
		return httpjson.ErrorMessage(http.StatusNotFound, errors.New("run log is not configured"))
	}
	n, err := parseN(r.URL.Query(), 20, 500)
	if err != nil {
		return httpjson.BadRequest(err)
	}
	runs, err := s.Runs.Recent(r.Context(), n)
	if err != nil {
		return s.serverError(err)
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	return httpjson.OK(httpjson.M{"runs": runs})
}

func nonNil(issues []*Issue) []*Issue {
	if issues == nil {
		return []*Issue{}
	}
	return issues
}
