package domain

import "time"

// SpacePointer records the identity and location of a space.
type SpacePointer struct {
	ID        string    `json:"id"`
	URI       string    `json:"uri"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `json:"user_id,omitempty"`
}

// Key returns the registry key for the pointer: the URI, or the id when no URI is set.
func (p SpacePointer) Key() string {
	if p.URI != "" {
		return p.URI
	}
	return p.ID
}
