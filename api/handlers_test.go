package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"tasksync/domain"
)

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	if err := sonic.UnmarshalString(body, &v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return v
}

func TestRootStatus(t *testing.T) {
	srv := newTestServer(t, true)
	rec := srv.do(http.MethodGet, "/", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "Task Management Server is running" {
		t.Fatalf("unexpected root response %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateTaskDefaultsOrder(t *testing.T) {
	srv := newTestServer(t, true)
	token := signToken(t, "alice")

	rec := srv.do(http.MethodPost, "/tasks", `{"title":"Plan","category":"todo","createdAt":"1999-01-01T00:00:00Z"}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[insertResponse](t, rec.Body.String())
	if !resp.Acknowledged || resp.InsertedID == "" {
		t.Fatalf("unexpected insert response: %+v", resp)
	}

	stored := srv.store.tasks[0]
	if stored.Order != 0 || stored.OwnerID != "alice" {
		t.Fatalf("unexpected stored task: %+v", stored)
	}
	if stored.CreatedAt.Year() == 1999 {
		t.Fatal("client timestamp must be ignored")
	}
}

func TestListTasksOrderedGlobalMode(t *testing.T) {
	srv := newTestServer(t, false)
	for _, body := range []string{`{"title":"c","order":3}`, `{"title":"a","order":1}`, `{"title":"b","order":2}`} {
		if rec := srv.do(http.MethodPost, "/tasks", body, ""); rec.Code != http.StatusOK {
			t.Fatalf("create: %d", rec.Code)
		}
	}

	rec := srv.do(http.MethodGet, "/tasks", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	tasks := decode[[]domain.Task](t, rec.Body.String())
	if len(tasks) != 3 || tasks[0].Order != 1 || tasks[1].Order != 2 || tasks[2].Order != 3 {
		t.Fatalf("expected ascending order, got %+v", tasks)
	}
}

func TestListTasksEmptyIsArray(t *testing.T) {
	srv := newTestServer(t, true)
	rec := srv.do(http.MethodGet, "/tasks", "", signToken(t, "alice"))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %q", rec.Body.String())
	}
}

func TestUnauthorized(t *testing.T) {
	srv := newTestServer(t, true)
	for _, tc := range []struct{ method, path, token string }{
		{http.MethodGet, "/tasks", ""},
		{http.MethodPost, "/tasks", "not-a-jwt"},
		{http.MethodDelete, "/tasks/x", "a.b.c"},
	} {
		rec := srv.do(tc.method, tc.path, "", tc.token)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
		if resp := decode[messageResponse](t, rec.Body.String()); resp.Message != "Unauthorized" || resp.Error != "" {
			t.Fatalf("unexpected body %+v", resp)
		}
	}
}

func TestUpdateTaskPartialAndOwnership(t *testing.T) {
	srv := newTestServer(t, true)
	alice, bob := signToken(t, "alice"), signToken(t, "bob")

	rec := srv.do(http.MethodPost, "/tasks", `{"title":"old","category":"work","order":2}`, alice)
	id := decode[insertResponse](t, rec.Body.String()).InsertedID

	rec = srv.do(http.MethodPut, "/tasks/"+id, `{"title":"stolen"}`, bob)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign task, got %d", rec.Code)
	}
	if resp := decode[messageResponse](t, rec.Body.String()); resp.Message != "Task not found" {
		t.Fatalf("unexpected body %+v", resp)
	}

	rec = srv.do(http.MethodPut, "/tasks/"+id, `{"title":"new","category":""}`, alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[messageResponse](t, rec.Body.String())
	if resp.Message != "Task updated successfully" || resp.ID != id {
		t.Fatalf("unexpected body %+v", resp)
	}

	stored := srv.store.tasks[0]
	if stored.Title != "new" || stored.Category != "work" || stored.Order != 2 {
		t.Fatalf("partial update changed other fields: %+v", stored)
	}
}

func TestUpdateTaskInvalidBody(t *testing.T) {
	srv := newTestServer(t, false)
	rec := srv.do(http.MethodPut, "/tasks/x", `{"title":`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateTaskRejectsTruncatedBody(t *testing.T) {
	srv := newTestServer(t, false)
	for _, body := range []string{`{"title":`, `{`, `[1,`} {
		rec := srv.do(http.MethodPost, "/tasks", body, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
	if len(srv.store.tasks) != 0 {
		t.Fatalf("expected nothing stored, got %+v", srv.store.tasks)
	}

	if rec := srv.do(http.MethodPost, "/tasks", "  \n", ""); rec.Code != http.StatusOK {
		t.Fatalf("blank body should create a default task, got %d", rec.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	srv := newTestServer(t, true)
	alice := signToken(t, "alice")
	rec := srv.do(http.MethodPost, "/tasks", `{"title":"x"}`, alice)
	id := decode[insertResponse](t, rec.Body.String()).InsertedID

	if rec := srv.do(http.MethodDelete, "/tasks/"+id, "", signToken(t, "bob")); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign delete, got %d", rec.Code)
	}
	if len(srv.store.tasks) != 1 {
		t.Fatal("foreign delete must not change the store")
	}

	rec = srv.do(http.MethodDelete, "/tasks/"+id, "", alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[deleteResponse](t, rec.Body.String())
	if !resp.Acknowledged || resp.DeletedCount != 1 {
		t.Fatalf("unexpected delete response %+v", resp)
	}

	if rec := srv.do(http.MethodDelete, "/tasks/missing", "", alice); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing task, got %d", rec.Code)
	}
}

func TestStoreFaultRedactedByDefault(t *testing.T) {
	srv := newTestServer(t, false)
	srv.store.err = errStoreDown

	rec := srv.do(http.MethodGet, "/tasks", "", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resp := decode[messageResponse](t, rec.Body.String()); resp.Message == "" || resp.Error != "" {
		t.Fatalf("expected generic message only, got %+v", resp)
	}

	srv.app.VerboseErrors = true
	rec = srv.do(http.MethodPost, "/tasks", `{"title":"x"}`, "")
	if resp := decode[messageResponse](t, rec.Body.String()); !strings.Contains(resp.Error, "connection refused") {
		t.Fatalf("expected raw fault in verbose mode, got %+v", resp)
	}
}

func TestUpsertUserTwiceKeepsOneRecord(t *testing.T) {
	srv := newTestServer(t, true)

	rec := srv.do(http.MethodPut, "/users", `{"uid":"u1","name":"Ann"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[domain.UpsertResult](t, rec.Body.String())
	if !first.Acknowledged || first.UpsertedID != "u1" {
		t.Fatalf("unexpected first upsert %+v", first)
	}

	rec = srv.do(http.MethodPut, "/users", `{"uid":"u1","name":"Anne","photo":"p.png"}`, "")
	second := decode[domain.UpsertResult](t, rec.Body.String())
	if second.MatchedCount != 1 {
		t.Fatalf("unexpected second upsert %+v", second)
	}
	if len(srv.store.users) != 1 || srv.store.users["u1"]["name"] != "Anne" {
		t.Fatalf("expected one record with latest profile, got %+v", srv.store.users)
	}
	if _, has := srv.store.users["u1"]["uid"]; has {
		t.Fatal("uid must not be duplicated into the profile")
	}
}

func TestUpsertUserRequiresUID(t *testing.T) {
	srv := newTestServer(t, true)
	if rec := srv.do(http.MethodPut, "/users", `{"name":"Ann"}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, true)
	if rec := srv.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	srv.store.err = errStoreDown
	if rec := srv.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
