package habit

import "time"

// OpKind identifies the remote mutation a pending operation intends.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MaxRetries is the retry ceiling for a pending operation. An operation
// that has failed this many times is dropped instead of retried again.
const MaxRetries = 3

// EntityHabit is the entity type recorded for habit mutations in the outbox.
const EntityHabit = "habit"

// PendingOp is a durable intent to mutate the remote store, queued when a
// push could not be delivered immediately.
//
// OwnerUserID scopes the operation to the account that queued it; a sync
// cycle running as a different account leaves it untouched. Payload holds a
// JSON snapshot of the entity taken at enqueue time, so a delete can still
// name the remote id of a row that no longer exists locally.
type PendingOp struct {
	ID            int64     `json:"id"`
	Kind          OpKind    `json:"kind"`
	OwnerUserID   int64     `json:"owner_user_id"`
	EntityType    string    `json:"entity_type"`
	EntityLocalID int64     `json:"entity_local_id"`
	Payload       []byte    `json:"payload,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	RetryCount    int       `json:"retry_count"`
	LastError     string    `json:"last_error,omitempty"`
	Priority      int       `json:"priority"`
}
