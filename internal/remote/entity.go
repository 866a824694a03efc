package remote

import (
	"time"

	"github.com/habitkit/habitsync/internal/habit"
)

// Entity is the remote service's representation of a habit.
//
// ID is the remote id: zero until the service assigns one on create.
// UserID can arrive as zero from older service versions with incomplete
// serialization; pull reconciliation heals it with the session's user id.
type Entity struct {
	ID         int64      `json:"id,omitempty"`
	UserID     int64      `json:"user_id"`
	Title      string     `json:"title"`
	Kind       string     `json:"kind"`
	Goal       int        `json:"goal,omitempty"`
	Unit       string     `json:"unit,omitempty"`
	ReminderAt *time.Time `json:"reminder_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	Completed  bool       `json:"completed"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// FromHabit converts a local habit into its wire representation.
func FromHabit(h *habit.Habit) Entity {
	e := Entity{
		UserID:     h.OwnerUserID,
		Title:      h.Title,
		Kind:       string(h.Kind),
		Goal:       h.Goal,
		Unit:       h.Unit,
		ReminderAt: h.ReminderAt,
		Notes:      h.Notes,
		Completed:  h.Completed,
		UpdatedAt:  h.UpdatedAt,
	}
	if h.RemoteID != nil {
		e.ID = *h.RemoteID
	}
	return e
}

// ToHabit converts a remote entity into a local habit value. The caller is
// responsible for owner-id healing and for attaching sync metadata.
func (e Entity) ToHabit() habit.Habit {
	h := habit.Habit{
		OwnerUserID: e.UserID,
		Title:       e.Title,
		Kind:        habit.Kind(e.Kind),
		Goal:        e.Goal,
		Unit:        e.Unit,
		ReminderAt:  e.ReminderAt,
		Notes:       e.Notes,
		Completed:   e.Completed,
		UpdatedAt:   e.UpdatedAt,
	}
	h.SetDefaults()
	return h
}
