package domain

import "time"

// ChangeKind names the operation behind a ChangeEvent.
type ChangeKind string

const (
	ChangeInsert     ChangeKind = "insert"
	ChangeUpdate     ChangeKind = "update"
	ChangeReplace    ChangeKind = "replace"
	ChangeDelete     ChangeKind = "delete"
	ChangeInvalidate ChangeKind = "invalidate"
)

// ChangeEvent signals that the task collection changed. OwnerKnown is false
// when the feed could not tell whose task was affected, in which case every
// owner must be refreshed.
type ChangeEvent struct {
	Kind       ChangeKind `json:"kind"`
	TaskID     string     `json:"taskId,omitempty"`
	OwnerID    string     `json:"ownerId,omitempty"`
	OwnerKnown bool       `json:"ownerKnown"`
	Task       *Task      `json:"task,omitempty"`
	At         time.Time  `json:"at"`
}

// NewChangeEvent builds an event for a write in scope.
func NewChangeEvent(kind ChangeKind, taskID string, scope OwnerScope, task *Task) ChangeEvent {
	return ChangeEvent{
		Kind:       kind,
		TaskID:     taskID,
		OwnerID:    scope.OwnerID,
		OwnerKnown: true,
		Task:       task,
		At:         time.Now().UTC(),
	}
}

// AffectsAll reports whether every owner must be refreshed.
func (e ChangeEvent) AffectsAll() bool {
	return !e.OwnerKnown || e.Kind == ChangeInvalidate
}
