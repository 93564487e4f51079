package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/store"
)

// ErrInvalidOrder is returned for a reorder target outside 1..N.
var ErrInvalidOrder = errors.New("invalid order")

// ErrInvalidEntry is returned for an entry that fails validation.
var ErrInvalidEntry = errors.New("invalid entry")

// NewEntry is an entry to append to a playlist.
type NewEntry struct {
	StreamID int64
	Title    *string
	TvgID    *string
	Category *string
	LogoURL  *string
}

// Patch updates an entry. Override fields follow store.OverrideUpdate; Order,
// when set, moves the entry.
type Patch struct {
	store.OverrideUpdate
	Order *int
}

// Manager performs every write that touches entry orders. Each call holds the
// playlist lock for its whole read-shift-write sequence.
type Manager struct {
	store store.Store
}

func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// Append adds a stream at the end of the playlist.
func (m *Manager) Append(ctx context.Context, playlistID int64, in NewEntry) (*models.PlaylistChannel, error) {
	if in.StreamID <= 0 {
		return nil, fmt.Errorf("%w: stream_id is required", ErrInvalidEntry)
	}
	if _, err := m.store.GetStream(ctx, in.StreamID); err != nil {
		return nil, fmt.Errorf("stream %d: %w", in.StreamID, err)
	}

	var out *models.PlaylistChannel
	err := m.store.InPlaylistTx(ctx, playlistID, func(tx store.PlaylistTx) error {
		entries, err := tx.Entries(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.StreamID == in.StreamID {
				return fmt.Errorf("stream %d is already in playlist %d: %w", in.StreamID, playlistID, store.ErrConflict)
			}
		}
		e := &models.PlaylistChannel{
			StreamID: in.StreamID,
			Title:    blankToNil(in.Title),
			TvgID:    blankToNil(in.TvgID),
			Category: blankToNil(in.Category),
			LogoURL:  blankToNil(in.LogoURL),
			Order:    NextOrder(entries),
		}
		if err := tx.InsertEntry(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "playlist entry appended", "playlist_id", playlistID, "channel_id", out.ID, "order", out.Order)
	return out, nil
}

// Move sets the entry's order to newOrder and shifts the entries between.
func (m *Manager) Move(ctx context.Context, playlistID, channelID int64, newOrder int) error {
	return m.store.InPlaylistTx(ctx, playlistID, func(tx store.PlaylistTx) error {
		return move(ctx, tx, channelID, newOrder)
	})
}

func move(ctx context.Context, tx store.PlaylistTx, channelID int64, newOrder int) error {
	entries, err := tx.Entries(ctx)
	if err != nil {
		return err
	}
	changes, err := PlanMove(entries, channelID, newOrder)
	if err != nil {
		return err
	}
	return tx.ApplyOrder(ctx, changes)
}

// Remove deletes the entry and closes the gap behind it.
func (m *Manager) Remove(ctx context.Context, playlistID, channelID int64) error {
	return m.store.InPlaylistTx(ctx, playlistID, func(tx store.PlaylistTx) error {
		e, err := tx.Entry(ctx, channelID)
		if err != nil {
			return err
		}
		if err := tx.DeleteEntry(ctx, channelID); err != nil {
			return err
		}
		rest, err := tx.Entries(ctx)
		if err != nil {
			return err
		}
		return tx.ApplyOrder(ctx, PlanRemove(rest, e.Order))
	})
}

// Update applies overrides and, when p.Order is set, moves the entry, in one
// transaction. It returns the entry as stored afterwards.
func (m *Manager) Update(ctx context.Context, playlistID, channelID int64, p Patch) (*models.PlaylistChannel, error) {
	var out *models.PlaylistChannel
	err := m.store.InPlaylistTx(ctx, playlistID, func(tx store.PlaylistTx) error {
		if _, err := tx.Entry(ctx, channelID); err != nil {
			return err
		}
		if err := tx.UpdateOverrides(ctx, channelID, p.OverrideUpdate); err != nil {
			return err
		}
		if p.Order != nil {
			if err := move(ctx, tx, channelID, *p.Order); err != nil {
				return err
			}
		}
		e, err := tx.Entry(ctx, channelID)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
