package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dag-consensus/consensus"
	"dag-consensus/crypto"
	"dag-consensus/handlers"
	"dag-consensus/logger"
	"dag-consensus/metrics"
	"dag-consensus/models"
	"dag-consensus/network"
	"dag-consensus/routers"
)

type mockEngine struct {
	mu       sync.Mutex
	running  bool
	vertices map[models.VertexID]*models.VertexRecord
	orphans  map[models.VertexID]bool
	waitErr  error
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		running:  true,
		vertices: make(map[models.VertexID]*models.VertexRecord),
		orphans:  make(map[models.VertexID]bool),
	}
}

func (m *mockEngine) SubmitVertex(_ context.Context, s consensus.Submission) (models.VertexID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return models.EmptyID, models.ErrNotRunning
	}
	if len(s.Payload) == 0 {
		return models.EmptyID, models.NewVertexError(models.ErrValidation, models.EmptyID, "empty payload")
	}
	v := &models.Vertex{Payload: s.Payload, Parents: models.CanonicalParents(s.Parents), ConflictKey: s.ConflictKey}
	v.ID = crypto.Default{}.Hash(v.Payload, v.Parents)
	for _, p := range v.Parents {
		if _, ok := m.vertices[p]; !ok {
			m.orphans[v.ID] = true
			return v.ID, nil
		}
	}
	m.vertices[v.ID] = &models.VertexRecord{Vertex: v, Status: models.Pending}
	return v.ID, nil
}

func (m *mockEngine) SubmitAndWait(ctx context.Context, s consensus.Submission) (models.VertexID, models.Status, error) {
	id, err := m.SubmitVertex(ctx, s)
	if err != nil {
		return id, models.Pending, err
	}
	if m.waitErr != nil {
		return id, models.Pending, m.waitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vertices[id].Status = models.Final
	return id, models.Final, nil
}

func (m *mockEngine) GetStatus(id models.VertexID) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orphans[id] {
		return models.Pending, &models.VertexError{Kind: models.ErrMissingParent, ID: id}
	}
	rec, ok := m.vertices[id]
	if !ok {
		return models.Pending, models.NewVertexError(models.ErrNotFound, id, "unknown vertex")
	}
	return rec.Status, nil
}

func (m *mockEngine) GetVertex(id models.VertexID) (*models.VertexRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.vertices[id]
	if !ok {
		return nil, models.NewVertexError(models.ErrNotFound, id, "unknown vertex")
	}
	copy := *rec
	return &copy, nil
}

func (m *mockEngine) GetTips() []models.VertexID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tips []models.VertexID
	for id := range m.vertices {
		tips = append(tips, id)
	}
	return models.SortIDs(tips)
}

func (m *mockEngine) GetMetrics() models.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.Metrics{PendingCount: len(m.vertices), OrphanCount: len(m.orphans)}
}

func (m *mockEngine) Opinion(q network.Query) network.Opinion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vertices[q.VertexID]; !ok {
		return network.Opinion{Abstain: true}
	}
	return network.Opinion{Vote: q.VertexID}
}

func (m *mockEngine) ReceiveVertex(v *models.Vertex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return models.ErrNotRunning
	}
	if v.ID != (crypto.Default{}).Hash(v.Payload, v.Parents) {
		return models.NewVertexError(models.ErrValidation, v.ID, "id does not match content")
	}
	for _, p := range v.Parents {
		if _, ok := m.vertices[p]; !ok {
			m.orphans[v.ID] = true
			return &models.VertexError{Kind: models.ErrMissingParent, ID: v.ID}
		}
	}
	m.vertices[v.ID] = &models.VertexRecord{Vertex: v, Status: models.Pending}
	return nil
}

func testServer() (*mux.Router, *mockEngine) {
	logger.Logger = zap.NewNop()

	engine := newMockEngine()
	handler := handlers.NewHandler(engine, 0)
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler, nil)
	return router, engine
}

func submit(t *testing.T, router *mux.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	bodyJSON, _ := json.Marshal(body)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(bodyJSON)))
	return res
}

func TestSubmitVertex_Success(t *testing.T) {
	router, engine := testServer()

	res := submit(t, router, "/vertices", map[string]interface{}{
		"payload": []byte("tx-1"),
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}

	var resp handlers.SubmitResponse
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if resp.Status != nil {
		t.Fatalf("expected no status without wait, got %v", *resp.Status)
	}
	if _, err := engine.GetVertex(resp.ID); err != nil {
		t.Fatalf("expected vertex submitted, got error: %v", err)
	}
}

func TestSubmitVertex_BadPayload(t *testing.T) {
	router, _ := testServer()

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/vertices", strings.NewReader("{not json")))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body: %s", res.Code, res.Body.String())
	}

	res = submit(t, router, "/vertices", map[string]interface{}{"payload": []byte{}})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected validation 400, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestSubmitVertex_NotRunning(t *testing.T) {
	router, engine := testServer()
	engine.running = false

	res := submit(t, router, "/vertices", map[string]interface{}{"payload": []byte("tx")})
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestSubmitVertex_Wait(t *testing.T) {
	router, engine := testServer()

	res := submit(t, router, "/vertices?wait=1s", map[string]interface{}{"payload": []byte("tx")})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}
	var resp handlers.SubmitResponse
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if resp.Status == nil || *resp.Status != models.Final {
		t.Fatalf("expected final status, got %+v", resp)
	}

	engine.waitErr = models.NewVertexError(models.ErrTimeout, resp.ID, "still pending")
	res = submit(t, router, "/vertices?wait=10ms", map[string]interface{}{"payload": []byte("tx-2")})
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on timeout, got %d, body: %s", res.Code, res.Body.String())
	}

	res = submit(t, router, "/vertices?wait=soon", map[string]interface{}{"payload": []byte("tx-3")})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad wait, got %d", res.Code)
	}
}

func TestGetVertex(t *testing.T) {
	router, _ := testServer()

	res := submit(t, router, "/vertices", map[string]interface{}{"payload": []byte("tx")})
	var created handlers.SubmitResponse
	if err := json.Unmarshal(res.Body.Bytes(), &created); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/vertices/"+created.ID.String(), nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	var got handlers.StatusResponse
	if err := json.Unmarshal(res.Body.Bytes(), &got); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if got.ID != created.ID || got.Status != models.Pending || got.Record == nil {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestGetVertex_UnknownAndInvalid(t *testing.T) {
	router, _ := testServer()

	unknown := crypto.Default{}.Hash([]byte("nobody"), nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/vertices/"+unknown.String(), nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body: %s", res.Code, res.Body.String())
	}

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/vertices/abcd", nil))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestReceiveVertex(t *testing.T) {
	router, _ := testServer()

	parent := &models.Vertex{Payload: []byte("parent")}
	parent.ID = crypto.Default{}.Hash(parent.Payload, nil)
	child := &models.Vertex{Payload: []byte("child"), Parents: []models.VertexID{parent.ID}}
	child.ID = crypto.Default{}.Hash(child.Payload, child.Parents)

	// parent unknown yet: buffered
	res := submit(t, router, network.ReceivePath, child)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for buffered vertex, got %d, body: %s", res.Code, res.Body.String())
	}
	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/vertices/"+child.ID.String(), nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "missing parent") {
		t.Fatalf("expected pending orphan, got %d, body: %s", res.Code, res.Body.String())
	}

	res = submit(t, router, network.ReceivePath, parent)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body: %s", res.Code, res.Body.String())
	}

	forged := *parent
	forged.Payload = []byte("forged")
	res = submit(t, router, network.ReceivePath, &forged)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for forged id, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestOpinion(t *testing.T) {
	router, _ := testServer()

	res := submit(t, router, "/vertices", map[string]interface{}{"payload": []byte("tx")})
	var created handlers.SubmitResponse
	if err := json.Unmarshal(res.Body.Bytes(), &created); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}

	res = submit(t, router, network.OpinionPath, network.Query{VertexID: created.ID})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var op network.Opinion
	if err := json.Unmarshal(res.Body.Bytes(), &op); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if op.Abstain || op.Vote != created.ID {
		t.Fatalf("expected a vote for %s, got %+v", created.ID.Short(), op)
	}

	res = submit(t, router, network.OpinionPath, network.Query{VertexID: crypto.Default{}.Hash([]byte("x"), nil)})
	if err := json.Unmarshal(res.Body.Bytes(), &op); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if !op.Abstain {
		t.Fatalf("expected abstention for unknown vertex, got %+v", op)
	}
}

func TestGetTipsAndMetrics(t *testing.T) {
	router, _ := testServer()

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/tips", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"tips":[]`) {
		t.Fatalf("expected empty tips, got %d, body: %s", res.Code, res.Body.String())
	}

	submit(t, router, "/vertices", map[string]interface{}{"payload": []byte("tx")})

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics/consensus", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var m models.Metrics
	if err := json.Unmarshal(res.Body.Bytes(), &m); err != nil {
		t.Fatalf("Invalid JSON response: %v", err)
	}
	if m.PendingCount != 1 {
		t.Fatalf("expected one pending vertex, got %+v", m)
	}
}

func TestRoutesWithEngine(t *testing.T) {
	logger.Logger = zap.NewNop()

	reg := prometheus.NewRegistry()
	m, err := metrics.New("dag", reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	hub := network.NewHub(nil)
	hub.Register("self", nil, nil)

	cfg := consensus.DefaultConfig()
	cfg.RoundInterval = 0
	cfg.Seed = 1
	engine, err := consensus.New(cfg, consensus.Deps{Network: hub.Endpoint("self"), Metrics: m})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop(context.Background())

	router := mux.NewRouter()
	routers.RegisterRoutes(router, handlers.NewHandler(engine, 0), reg)

	res := submit(t, router, "/vertices", map[string]interface{}{"payload": []byte("tx")})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}

	res = httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "dag_") {
		t.Fatalf("expected prometheus exposition, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestBodyLimit(t *testing.T) {
	logger.Logger = zap.NewNop()
	engine := newMockEngine()
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handlers.NewHandler(engine, handlers.BodyLimit(16)), nil)

	big := map[string]interface{}{"payload": bytes.Repeat([]byte("x"), 128<<10)}
	for _, path := range []string{"/vertices", network.ReceivePath, network.OpinionPath} {
		res := submit(t, router, path, big)
		if res.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("%s: expected 413, got %d, body: %s", path, res.Code, res.Body.String())
		}
	}
	if tips := engine.GetTips(); len(tips) != 0 {
		t.Fatalf("expected nothing stored, got %v", tips)
	}

	res := submit(t, router, "/vertices", map[string]interface{}{"payload": []byte("small")})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 under the limit, got %d, body: %s", res.Code, res.Body.String())
	}

	if got := handlers.BodyLimit(0); got != handlers.DefaultMaxBodyBytes {
		t.Fatalf("expected default limit, got %d", got)
	}
	if got := handlers.BodyLimit(3 << 20); got <= 4<<20 {
		t.Fatalf("expected room for a base64 payload, got %d", got)
	}
}
