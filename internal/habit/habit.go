// Package habit provides the domain types for habitsync: the Habit record
// tracked in the local store and the PendingOp entries queued in the outbox.
package habit

import (
	"fmt"
	"time"
)

// Kind is the closed set of habit kinds the application understands.
type Kind string

const (
	KindWater    Kind = "water"
	KindSteps    Kind = "steps"
	KindSleep    Kind = "sleep"
	KindRead     Kind = "read"
	KindMeditate Kind = "meditate"
	KindCustom   Kind = "custom"
)

// Valid reports whether k is one of the known habit kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindWater, KindSteps, KindSleep, KindRead, KindMeditate, KindCustom:
		return true
	}
	return false
}

// Habit is a user-owned recurring task.
//
// LocalID is assigned by the local store and is stable for the life of the
// row. RemoteID is assigned exactly once by the remote service; it stays nil
// for records that have never been pushed. Synced=true implies RemoteID is
// non-nil - the store's write paths enforce this.
type Habit struct {
	LocalID     int64      `json:"local_id"`
	RemoteID    *int64     `json:"remote_id,omitempty"`
	OwnerUserID int64      `json:"owner_user_id"`
	Title       string     `json:"title"`
	Kind        Kind       `json:"kind"`
	Goal        int        `json:"goal,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	ReminderAt  *time.Time `json:"reminder_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Completed   bool       `json:"completed"`
	Synced      bool       `json:"synced"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks the habit has valid field values before persistence.
func (h *Habit) Validate() error {
	if h.OwnerUserID <= 0 {
		return fmt.Errorf("owner user id is required (got %d)", h.OwnerUserID)
	}
	if h.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(h.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(h.Title))
	}
	if !h.Kind.Valid() {
		return fmt.Errorf("unknown habit kind %q", h.Kind)
	}
	if h.Goal < 0 {
		return fmt.Errorf("goal must be non-negative (got %d)", h.Goal)
	}
	return nil
}

// Clone returns a deep copy of the habit.
func (h *Habit) Clone() *Habit {
	c := *h
	if h.RemoteID != nil {
		id := *h.RemoteID
		c.RemoteID = &id
	}
	if h.ReminderAt != nil {
		t := *h.ReminderAt
		c.ReminderAt = &t
	}
	return &c
}

// Touch sets UpdatedAt to the current time. Call whenever a field changes.
func (h *Habit) Touch() {
	h.UpdatedAt = time.Now().UTC()
}

// SetDefaults applies default values for optional fields.
func (h *Habit) SetDefaults() {
	if h.Kind == "" {
		h.Kind = KindCustom
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
}
