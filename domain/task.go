package domain

import (
	"strings"
	"time"
)

// Task represents a single board item.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Order       int       `json:"order"`
	OwnerID     string    `json:"ownerId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewTask is the body accepted when creating a task.
type NewTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Order       *int   `json:"order"`
}

// Build turns the request into a task owned by owner and stamped at now.
// A missing order defaults to zero.
func (n NewTask) Build(owner string, now time.Time) Task {
	t := Task{
		Title:       n.Title,
		Description: n.Description,
		Category:    n.Category,
		OwnerID:     owner,
		CreatedAt:   now.UTC(),
	}
	if n.Order != nil {
		t.Order = *n.Order
	}
	return t
}

// TaskPatch carries a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	Order       *int    `json:"order"`
}

// Normalize drops string fields that were sent empty so they never clear
// the stored value.
func (p TaskPatch) Normalize() TaskPatch {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		p.Title = nil
	}
	if p.Description != nil && strings.TrimSpace(*p.Description) == "" {
		p.Description = nil
	}
	if p.Category != nil && strings.TrimSpace(*p.Category) == "" {
		p.Category = nil
	}
	return p
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Category == nil && p.Order == nil
}

// Apply merges the patch into t. Identifier, owner and creation time are
// never touched.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Order != nil {
		t.Order = *p.Order
	}
}
