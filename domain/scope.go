package domain

import "sort"

// SharedPartition is the owner key used for every task when ownership is
// not enforced.
const SharedPartition = "tasks"

// OwnerScope is the authorization predicate applied to every read, update
// and delete. When Enforced is false all tasks are visible.
type OwnerScope struct {
	OwnerID  string
	Enforced bool
}

// OwnedBy returns a scope enforcing ownership by owner.
func OwnedBy(owner string) OwnerScope {
	return OwnerScope{OwnerID: owner, Enforced: true}
}

// Global returns an unenforced scope.
func Global() OwnerScope {
	return OwnerScope{}
}

// Matches reports whether t is visible in the scope.
func (s OwnerScope) Matches(t Task) bool {
	if !s.Enforced {
		return true
	}
	return t.OwnerID == s.OwnerID
}

// Key identifies the scope in caches and the subscription registry.
func (s OwnerScope) Key() string {
	if !s.Enforced {
		return SharedPartition
	}
	return "owner:" + s.OwnerID
}

// Partition is the storage partition for tasks created in the scope.
func (s OwnerScope) Partition() string {
	if !s.Enforced || s.OwnerID == "" {
		return SharedPartition
	}
	return s.OwnerID
}

// SortTasks orders tasks by Order ascending. Ties keep their storage order.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
}
