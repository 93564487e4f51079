package models

import "time"

// Playlist is an operator-curated, strictly ordered list of channels.
type Playlist struct {
	ID                    int64     `json:"id,omitempty"`
	Name                  string    `json:"name"`
	StartingChannelNumber int       `json:"starting_channel_number"`
	ChannelCount          int       `json:"channel_count"`
	InactiveChannelCount  int       `json:"inactive_channel_count"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// PlaylistChannel is one ordered entry of a Playlist. Title, TvgID, Category
// and LogoURL override the referenced stream's values when set.
type PlaylistChannel struct {
	ID         int64     `json:"id,omitempty"`
	PlaylistID int64     `json:"playlist_id"`
	StreamID   int64     `json:"stream_id"`
	Title      *string   `json:"title,omitempty"`
	TvgID      *string   `json:"tvg_id,omitempty"`
	Category   *string   `json:"category,omitempty"`
	LogoURL    *string   `json:"logo_url,omitempty"`
	Order      int       `json:"order"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	Stream *Stream `json:"stream,omitempty"` // populated by read queries
}

// ChannelNumber is the user-visible number of an entry at order in p.
func (p Playlist) ChannelNumber(order int) int {
	return p.StartingChannelNumber + order - 1
}
