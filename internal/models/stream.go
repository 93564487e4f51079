package models

import "time"

// Stream is a channel record owned by a Source, kept in sync with the upstream list.
type Stream struct {
	ID        int64     `json:"id,omitempty"`
	SourceID  int64     `json:"source_id"`
	Title     string    `json:"title"`
	TvgID     string    `json:"tvg_id"`
	MediaURL  string    `json:"media_url"`
	LogoURL   string    `json:"logo_url"`
	Group     string    `json:"group"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StreamKey identifies a stream within its source across fetches.
type StreamKey struct {
	Title string
	Group string
}

// Key returns the reconciliation key of s.
func (s Stream) Key() StreamKey {
	return StreamKey{Title: s.Title, Group: s.Group}
}
