package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestNewTaskBuildDefaultsOrder(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	task := NewTask{Title: "a", Category: "c"}.Build("user1", now)

	if task.Order != 0 {
		t.Fatalf("expected default order 0, got %d", task.Order)
	}
	if task.OwnerID != "user1" {
		t.Fatalf("unexpected owner %q", task.OwnerID)
	}
	if !task.CreatedAt.Equal(now) || task.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC creation time, got %v", task.CreatedAt)
	}
}

func TestNewTaskBuildKeepsOrder(t *testing.T) {
	order := 7
	task := NewTask{Title: "a", Order: &order}.Build("", time.Now())
	if task.Order != 7 {
		t.Fatalf("expected order 7, got %d", task.Order)
	}
}

func TestTaskMarshalIncludesZeroOrder(t *testing.T) {
	payload, err := sonic.Marshal(Task{ID: "t1", Title: "Title", Order: 0})
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	if !strings.Contains(string(payload), "\"order\":0") {
		t.Fatalf("expected order field to be present, got %s", payload)
	}
	if strings.Contains(string(payload), "ownerId") {
		t.Fatalf("expected empty owner to be omitted, got %s", payload)
	}
}

func TestTaskPatchOnlyTouchesPresentFields(t *testing.T) {
	title := "new title"
	empty := " "
	task := Task{ID: "1", Title: "old", Description: "d", Category: "work", Order: 3, OwnerID: "u"}

	patch := TaskPatch{Title: &title, Category: &empty}.Normalize()
	if patch.Category != nil {
		t.Fatalf("expected empty category to be dropped")
	}
	patch.Apply(&task)

	if task.Title != "new title" {
		t.Fatalf("title not applied: %q", task.Title)
	}
	if task.Category != "work" || task.Description != "d" || task.Order != 3 {
		t.Fatalf("untouched fields changed: %+v", task)
	}
	if task.ID != "1" || task.OwnerID != "u" {
		t.Fatalf("identity changed: %+v", task)
	}
}

func TestTaskPatchZeroOrderApplies(t *testing.T) {
	zero := 0
	task := Task{Order: 5}
	TaskPatch{Order: &zero}.Normalize().Apply(&task)
	if task.Order != 0 {
		t.Fatalf("expected order 0, got %d", task.Order)
	}
}

func TestTaskPatchEmpty(t *testing.T) {
	blank := ""
	if !(TaskPatch{Title: &blank}).Normalize().Empty() {
		t.Fatal("expected blank-only patch to be empty")
	}
}

func TestSortTasksStable(t *testing.T) {
	tasks := []Task{{ID: "a", Order: 3}, {ID: "b", Order: 1}, {ID: "c", Order: 2}, {ID: "d", Order: 1}}
	SortTasks(tasks)
	got := make([]string, len(tasks))
	for i, task := range tasks {
		got[i] = task.ID
	}
	if strings.Join(got, ",") != "b,d,c,a" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestOwnerScope(t *testing.T) {
	scope := OwnedBy("u1")
	if !scope.Matches(Task{OwnerID: "u1"}) || scope.Matches(Task{OwnerID: "u2"}) {
		t.Fatal("owned scope mismatch")
	}
	if !Global().Matches(Task{OwnerID: "anyone"}) {
		t.Fatal("global scope should match everything")
	}
	if Global().Partition() != SharedPartition || scope.Partition() != "u1" {
		t.Fatal("unexpected partitions")
	}
	if Global().Key() == scope.Key() {
		t.Fatal("scope keys must differ")
	}
}
