// Package session identifies the currently authenticated user.
//
// Every local store query is scoped to the session's user id, and pull
// reconciliation uses it to heal entities that arrive with a sentinel
// owner id.
package session

// Provider answers who the current user is.
type Provider interface {
	CurrentUserID() int64
}

// Static is a Provider with a fixed user id, suitable for the CLI where
// the user comes from configuration.
type Static struct {
	UserID int64
}

// CurrentUserID implements Provider.
func (s Static) CurrentUserID() int64 {
	return s.UserID
}

// Heal substitutes the session's user id for sentinel or invalid owner ids.
// Older service versions serialize the owner as zero on some entities; such
// records belong to the session that fetched them.
func Heal(p Provider, ownerID int64) int64 {
	if ownerID <= 0 {
		return p.CurrentUserID()
	}
	return ownerID
}
