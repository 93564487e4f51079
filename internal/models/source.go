package models

import "time"

// Source represents an IPTV source (a provider or a playlist source) with a fetch URL.
type Source struct {
	ID           int64      `json:"id,omitempty"`
	Name         string     `json:"name"`
	URL          string     `json:"url"`
	Kind         string     `json:"kind"`
	UserAgent    string     `json:"user_agent,omitempty"`
	Enabled      bool       `json:"enabled"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
