package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"tasksync/domain"
	"tasksync/storage"
)

// loopbackFeed hands published events straight to the broadcaster.
type loopbackFeed chan domain.ChangeEvent

func (f loopbackFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	select {
	case f <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f loopbackFeed) Subscribe(context.Context) (<-chan domain.ChangeEvent, error) {
	return f, nil
}

type openStream struct {
	rec    *streamRecorder
	cancel context.CancelFunc
	done   chan error
}

func (s *openStream) close(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		if err != nil {
			t.Fatalf("stream handler error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream handler did not return")
	}
}

func openSSE(srv *testServer, target, token string) *openStream {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := newStreamRecorder()
	c := srv.echo.NewContext(req.WithContext(ctx), rec)
	s := &openStream{rec: rec, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- srv.app.streamEvents(c) }()
	return s
}

func TestSSEFanOutAfterInsert(t *testing.T) {
	srv := newTestServer(t, true)
	feed := make(loopbackFeed, 8)
	srv.app.Store = storage.NewNotifying(srv.store, feed, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.app.Broadcaster.Run(ctx, feed) }()

	token := signToken(t, "alice")
	first := openSSE(srv, "/stream", token)
	second := openSSE(srv, "/stream?token="+token, "")
	srv.waitForSubscribers(t, 2)

	if body := first.rec.Body(); body != "" {
		t.Fatalf("expected nothing before the first change, got %q", body)
	}

	if rec := srv.do(http.MethodPost, "/tasks", `{"title":"Ship it"}`, token); rec.Code != http.StatusOK {
		t.Fatalf("create: %d", rec.Code)
	}

	for _, s := range []*openStream{first, second} {
		s.rec.waitFor(t, `"title":"Ship it"`)
		if !strings.HasPrefix(s.rec.Body(), "data: [") || !strings.HasSuffix(s.rec.Body(), "]\n\n") {
			t.Fatalf("unexpected frame %q", s.rec.Body())
		}
		s.close(t)
	}
	srv.waitForSubscribers(t, 0)
}

func TestSSEOwnerIsolation(t *testing.T) {
	srv := newTestServer(t, true)
	alice := openSSE(srv, "/stream", signToken(t, "alice"))
	bob := openSSE(srv, "/stream", signToken(t, "bob"))
	srv.waitForSubscribers(t, 2)

	task, _ := srv.store.CreateTask(context.Background(), domain.OwnedBy("alice"), domain.NewTask{Title: "private"})
	srv.app.Broadcaster.Broadcast(context.Background(), domain.NewChangeEvent(domain.ChangeInsert, task.ID, domain.OwnedBy("alice"), &task))

	alice.rec.waitFor(t, "private")
	time.Sleep(50 * time.Millisecond)
	if body := bob.rec.Body(); body != "" {
		t.Fatalf("bob must not see alice's tasks, got %q", body)
	}
	alice.close(t)
	bob.close(t)
}

func TestSSERequiresToken(t *testing.T) {
	srv := newTestServer(t, true)
	rec := srv.do(http.MethodGet, "/stream", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebSocketDeltaMode(t *testing.T) {
	srv := newTestServer(t, false)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?mode=delta"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	srv.waitForSubscribers(t, 1)

	task := domain.Task{ID: "t1", Title: "hello"}
	srv.app.Broadcaster.Broadcast(context.Background(), domain.NewChangeEvent(domain.ChangeInsert, "t1", domain.Global(), &task))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	kind, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", kind)
	}
	ev := decode[domain.ChangeEvent](t, string(msg))
	if ev.Kind != domain.ChangeInsert || ev.TaskID != "t1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	srv.waitForSubscribers(t, 0)
}

func TestWebSocketSnapshotAndTokenQuery(t *testing.T) {
	srv := newTestServer(t, true)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+signToken(t, "alice"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	srv.waitForSubscribers(t, 1)

	task, _ := srv.store.CreateTask(context.Background(), domain.OwnedBy("alice"), domain.NewTask{Title: "mine"})
	srv.app.Broadcaster.Broadcast(context.Background(), domain.NewChangeEvent(domain.ChangeInsert, task.ID, domain.OwnedBy("alice"), &task))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tasks := decode[[]domain.Task](t, string(msg))
	if len(tasks) != 1 || tasks[0].Title != "mine" {
		t.Fatalf("unexpected snapshot %+v", tasks)
	}
}
