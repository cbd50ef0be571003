package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/clinical-rag-agent/internal/agent"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/index"
	"github.com/bull/clinical-rag-agent/internal/ingest"
	"github.com/bull/clinical-rag-agent/internal/metrics"
	"github.com/bull/clinical-rag-agent/internal/query"
)

type fakeAnswerer struct {
	answer  *query.Answer
	err     error
	text    string
	filters domain.Filters
	block   bool
}

func (f *fakeAnswerer) AnswerQuery(ctx context.Context, text string, filters domain.Filters) (*query.Answer, error) {
	f.text, f.filters = text, filters
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.answer, f.err
}

type fakeAgent struct {
	sess *agent.Session
	err  error
	req  agent.Request
}

func (f *fakeAgent) Run(_ context.Context, req agent.Request) (*agent.Session, error) {
	f.req = req
	return f.sess, f.err
}

type fakePatients []string

func (f fakePatients) ListPatients(context.Context) ([]string, error) { return f, nil }

type fakeIndex struct{ stats index.Stats }

func (f fakeIndex) Stats() index.Stats { return f.stats }

type fakeSync struct{ last *ingest.SyncResult }

func (f fakeSync) Last() *ingest.SyncResult { return f.last }
func (f fakeSync) Ready() bool              { return f.last != nil }

func newServer(t *testing.T, deps Deps, checker *Checker, cfg RouterConfig) *httptest.Server {
	t.Helper()
	if checker == nil {
		checker = NewChecker()
	}
	srv := httptest.NewServer(NewRouter(NewHandler(deps, nil), checker, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func generated(s string) *string { return &s }

func TestQuery(t *testing.T) {
	qa := &fakeAnswerer{answer: &query.Answer{Question: "asthma", GeneratedAnswer: generated("Use inhalers [1].")}}
	srv := newServer(t, Deps{Answerer: qa}, nil, RouterConfig{})

	resp, body := post(t, srv, "/v1/query", `{"question":"  asthma ","filters":{"kind":"research"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "asthma", qa.text)
	assert.Equal(t, domain.KindResearch, qa.filters.Kind)

	var ans query.Answer
	require.NoError(t, json.Unmarshal(body, &ans))
	require.NotNil(t, ans.GeneratedAnswer)
	assert.Equal(t, "Use inhalers [1].", *ans.GeneratedAnswer)
}

func TestQuery_BadRequests(t *testing.T) {
	srv := newServer(t, Deps{Answerer: &fakeAnswerer{answer: &query.Answer{}}}, nil, RouterConfig{})

	for _, body := range []string{
		``,
		`{"question":""}`,
		`{"question":"x","unknown":1}`,
		`{"question":"x","filters":{"kind":"billing"}}`,
		`not json`,
	} {
		resp, data := post(t, srv, "/v1/query", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		var e ErrorResponse
		require.NoError(t, json.Unmarshal(data, &e))
		assert.NotEmpty(t, e.Error)
		assert.NotEmpty(t, e.RequestID)
	}
}

func TestQuery_ServiceErrors(t *testing.T) {
	qa := &fakeAnswerer{err: domain.Errorf(domain.ErrEmbeddingUnavailable, "index.search", "", "down")}
	srv := newServer(t, Deps{Answerer: qa}, nil, RouterConfig{})

	resp, _ := post(t, srv, "/v1/query", `{"question":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAnswerCompatibility(t *testing.T) {
	prov := domain.Provenance{DocumentID: "research/1", ChunkID: "research/1#0", Kind: domain.KindResearch}
	qa := &fakeAnswerer{answer: &query.Answer{
		GeneratedAnswer: generated("Rest and fluids."),
		Passages:        []query.Passage{{N: 1, Provenance: prov}},
	}}
	srv := newServer(t, Deps{Answerer: qa}, nil, RouterConfig{})

	resp, body := post(t, srv, "/v2/answer", `{"prompt":"sore throat"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out PromptResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "Rest and fluids.", out.Response)
	assert.Equal(t, []domain.Provenance{prov}, out.Sources)
	assert.False(t, out.Degraded)

	qa.answer = &query.Answer{Degraded: true, DegradedReason: query.ReasonGenerationTimeout}
	_, body = post(t, srv, "/v2/answer", `{"prompt":"sore throat"}`)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, NoAnswer, out.Response)
	assert.True(t, out.Degraded)
	assert.Equal(t, query.ReasonGenerationTimeout, out.DegradedReason)
}

func TestAgent(t *testing.T) {
	ag := &fakeAgent{sess: &agent.Session{ID: "s1", Status: agent.StatusAnswered, Answer: &agent.Answer{TreatmentSuggestion: "rest"}}}
	srv := newServer(t, Deps{Agent: ag}, nil, RouterConfig{})

	resp, body := post(t, srv, "/v1/agent", `{"patient_id":"p1","clinical_question":"sore throat"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, agent.Request{PatientID: "p1", Question: "sore throat"}, ag.req)

	var out AgentResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Empty(t, out.Error)
	require.NotNil(t, out.Session)
	assert.Equal(t, "rest", out.Session.Answer.TreatmentSuggestion)
}

func TestAgent_Failures(t *testing.T) {
	failed := &agent.Session{ID: "s2", Status: agent.StatusFailed, FailureReason: agent.FailureReasoningUnavailable}
	ag := &fakeAgent{sess: failed, err: domain.Errorf(domain.ErrReasoningUnavailable, "agent.decide", "s2", "down")}
	srv := newServer(t, Deps{Agent: ag}, nil, RouterConfig{})

	resp, body := post(t, srv, "/v1/agent", `{"patient_id":"p1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var out AgentResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, agent.FailureReasoningUnavailable, out.Error)
	assert.Equal(t, "s2", out.Session.ID)

	ag.sess, ag.err = nil, domain.Errorf(domain.ErrInvalidInput, "agent.run", "", "empty")
	resp, _ = post(t, srv, "/v1/agent", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPatientsAndStatus(t *testing.T) {
	last := &ingest.SyncResult{Scanned: 3, Added: 3, Generation: 7}
	deps := Deps{
		Patients: fakePatients{"p1", "p2"},
		Index:    fakeIndex{stats: index.Stats{Documents: 3, Chunks: 9, Generation: 7}},
		Sync:     fakeSync{last: last},
	}
	srv := newServer(t, deps, nil, RouterConfig{})

	resp, body := get(t, srv, "/v1/patients")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"patients":["p1","p2"],"count":2}`, string(body))

	resp, body = get(t, srv, "/v1/index/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Ready)
	assert.Equal(t, 9, st.Index.Chunks)
	assert.Equal(t, uint64(7), st.LastSync.Generation)
}

func TestUnconfiguredServices(t *testing.T) {
	srv := newServer(t, Deps{}, nil, RouterConfig{})

	resp, _ := post(t, srv, "/v1/query", `{"question":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = get(t, srv, "/v1/patients")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = get(t, srv, "/v1/query")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRequestID(t *testing.T) {
	srv := newServer(t, Deps{Patients: fakePatients{}}, nil, RouterConfig{})

	resp, _ := get(t, srv, "/v1/patients")
	assert.Len(t, resp.Header.Get(RequestIDHeader), 36)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/patients", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-123")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(RequestIDHeader))
}

func TestRequestTimeout(t *testing.T) {
	qa := &fakeAnswerer{block: true}
	srv := newServer(t, Deps{Answerer: qa}, nil, RouterConfig{RequestTimeout: 50 * time.Millisecond})

	resp, _ := post(t, srv, "/v1/query", `{"question":"x"}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	checker := NewChecker()
	var ready atomic.Bool
	checker.Register("index", ReadyCheck(ready.Load, "initial sync pending"))
	checker.Register("redis", PingCheck(func(context.Context) error { return errors.New("connection refused") }, true))
	srv := newServer(t, Deps{}, checker, RouterConfig{})

	resp, _ := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get(t, srv, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var report HealthReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, StatusDegraded, report.Components["redis"].Status)

	ready.Store(true)
	resp, body = get(t, srv, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, []string{"index", "redis"}, checker.Names())
}

func TestMetricsAreRecorded(t *testing.T) {
	m := metrics.New()
	srv := newServer(t, Deps{Patients: fakePatients{"p1"}}, nil, RouterConfig{Metrics: m})

	get(t, srv, "/v1/patients")
	get(t, srv, "/v1/patients")

	resp, body := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `http_requests_total{method="GET",path="/v1/patients",status="200"} 2`)
}
