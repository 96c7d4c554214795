package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tasksync/domain"
	"tasksync/subscription"
)

const (
	testSecret   = "test-secret"
	testAudience = "api://tasks"
	testIssuer   = "https://issuer.test/"
)

// memStore is an in-memory storage.Storage honouring owner scopes.
type memStore struct {
	mu    sync.Mutex
	tasks []domain.Task
	users map[string]map[string]any
	seq   int
	err   error
}

func newMemStore() *memStore {
	return &memStore{users: map[string]map[string]any{}}
}

func (m *memStore) CreateTask(_ context.Context, scope domain.OwnerScope, in domain.NewTask) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Task{}, m.err
	}
	m.seq++
	owner := ""
	if scope.Enforced {
		owner = scope.OwnerID
	}
	task := in.Build(owner, time.Now())
	task.ID = "task-" + strconv.Itoa(m.seq)
	m.tasks = append(m.tasks, task)
	return task, nil
}

func (m *memStore) find(id string, scope domain.OwnerScope) int {
	for i, t := range m.tasks {
		if t.ID == id && scope.Matches(t) {
			return i
		}
	}
	return -1
}

func (m *memStore) UpdateTask(_ context.Context, id string, scope domain.OwnerScope, patch domain.TaskPatch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	i := m.find(id, scope)
	if i < 0 {
		return 0, nil
	}
	patch.Normalize().Apply(&m.tasks[i])
	return 1, nil
}

func (m *memStore) DeleteTask(_ context.Context, id string, scope domain.OwnerScope) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	i := m.find(id, scope)
	if i < 0 {
		return 0, nil
	}
	m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
	return 1, nil
}

func (m *memStore) ListTasks(_ context.Context, scope domain.OwnerScope) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := []domain.Task{}
	for _, t := range m.tasks {
		if scope.Matches(t) {
			out = append(out, t)
		}
	}
	domain.SortTasks(out)
	return out, nil
}

func (m *memStore) UpsertUser(_ context.Context, uid string, profile map[string]any) (domain.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.UpsertResult{}, m.err
	}
	_, existed := m.users[uid]
	m.users[uid] = profile
	if existed {
		return domain.UpsertResult{Acknowledged: true, MatchedCount: 1, ModifiedCount: 1}, nil
	}
	return domain.UpsertResult{Acknowledged: true, UpsertedCount: 1, UpsertedID: uid}, nil
}

func (m *memStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *memStore) Close(context.Context) error { return nil }

var errStoreDown = domain.StoreFault("test", errors.New("connection refused"))

func signToken(t *testing.T, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"aud": testAudience,
		"iss": testIssuer,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type testServer struct {
	echo     *echo.Echo
	app      *App
	store    *memStore
	registry *subscription.Registry
}

func newTestServer(t *testing.T, authRequired bool) *testServer {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	store := newMemStore()
	registry := subscription.NewRegistry(logger)
	t.Cleanup(registry.Drain)
	app := &App{
		Store:        store,
		Auth:         NewSharedSecretAuth([]byte(testSecret), testAudience, testIssuer),
		Broadcaster:  subscription.NewBroadcaster(registry, store, logger),
		Logger:       logger,
		AuthRequired: authRequired,
	}
	e := echo.New()
	e.JSONSerializer = JSONSerializer{}
	Register(e, app)
	RegisterStream(e, app)
	return &testServer{echo: e, app: app, store: store, registry: registry}
}

func (s *testServer) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) waitForSubscribers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for s.registry.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, s.registry.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// streamRecorder is a flushable response writer safe to read while a
// stream handler is writing to it.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	body   strings.Builder
	code   int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: http.Header{}}
}

func (r *streamRecorder) Header() http.Header { return r.header }

func (r *streamRecorder) WriteHeader(code int) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *streamRecorder) Flush() {}

func (r *streamRecorder) Body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func (r *streamRecorder) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(r.Body(), substr) {
		if time.Now().After(deadline) {
			t.Fatalf("expected stream to contain %q, got %q", substr, r.Body())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
