// Package ordering keeps playlist entries in a dense 1..N order.
//
// The (playlist_id, order) pair is unique and checked on every row write, so a
// reorder is expressed as a sequence of single-row writes in which no two
// entries ever share an order. A moved entry is first parked at the negative
// of its own id, which no live entry can hold.
package ordering

import (
	"fmt"

	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/store"
)

// PlanMove returns the writes that move the entry with channelID to newOrder.
// entries must be the playlist's full, dense, ascending entry list.
func PlanMove(entries []models.PlaylistChannel, channelID int64, newOrder int) ([]store.OrderChange, error) {
	old := -1
	for _, e := range entries {
		if e.ID == channelID {
			old = e.Order
			break
		}
	}
	if old < 0 {
		return nil, fmt.Errorf("entry %d: %w", channelID, store.ErrNotFound)
	}
	n := len(entries)
	if n <= 1 {
		return nil, fmt.Errorf("%w: playlist has %d entries, nothing to reorder", ErrInvalidOrder, n)
	}
	if newOrder < 1 || newOrder > n {
		return nil, fmt.Errorf("%w: order must be between 1 and %d", ErrInvalidOrder, n)
	}
	if old == newOrder {
		return nil, nil
	}

	changes := []store.OrderChange{{ChannelID: channelID, Order: parking(channelID)}}
	if newOrder > old {
		// Moving later: pull (old, new] up by one, lowest first.
		for _, e := range entries {
			if e.Order > old && e.Order <= newOrder {
				changes = append(changes, store.OrderChange{ChannelID: e.ID, Order: e.Order - 1})
			}
		}
	} else {
		// Moving earlier: push [new, old) down by one, highest first.
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.Order >= newOrder && e.Order < old {
				changes = append(changes, store.OrderChange{ChannelID: e.ID, Order: e.Order + 1})
			}
		}
	}
	return append(changes, store.OrderChange{ChannelID: channelID, Order: newOrder}), nil
}

// PlanRemove returns the writes that close the gap left by deleting an entry
// at removed. entries must no longer contain the removed entry.
func PlanRemove(entries []models.PlaylistChannel, removed int) []store.OrderChange {
	var changes []store.OrderChange
	for _, e := range entries {
		if e.Order > removed {
			changes = append(changes, store.OrderChange{ChannelID: e.ID, Order: e.Order - 1})
		}
	}
	return changes
}

// NextOrder is the order of an entry appended to entries.
func NextOrder(entries []models.PlaylistChannel) int {
	highest := 0
	for _, e := range entries {
		if e.Order > highest {
			highest = e.Order
		}
	}
	return highest + 1
}

func parking(channelID int64) int {
	return -int(channelID)
}

// Dense reports whether entries hold exactly the orders 1..len(entries).
func Dense(entries []models.PlaylistChannel) bool {
	seen := make([]bool, len(entries)+1)
	for _, e := range entries {
		if e.Order < 1 || e.Order > len(entries) || seen[e.Order] {
			return false
		}
		seen[e.Order] = true
	}
	return true
}
