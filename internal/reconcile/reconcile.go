// Package reconcile merges a freshly fetched channel list into the stored
// streams of one source.
//
// Streams are matched on (title, group). A match has its tvg id, media url and
// logo url overwritten only by non-empty fetched values, and is reactivated if
// it was inactive. Unmatched fetched records become new active streams.
// Stored streams that were not matched are stale: they are deleted when auto
// deletion is allowed and deactivated otherwise.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/voyagen/channelvault/internal/fetcher"
	"github.com/voyagen/channelvault/internal/models"
	"github.com/voyagen/channelvault/internal/store"
)

// Changes is the write set produced by Diff.
type Changes struct {
	Create     []models.Stream
	Update     []models.Stream
	Deactivate []int64
	Delete     []int64

	// Unchanged counts matched streams that needed no write.
	Unchanged int
	// Skipped counts fetched records without a name or url, and repeated keys.
	Skipped int
}

// Empty reports whether applying c would write nothing.
func (c Changes) Empty() bool {
	return len(c.Create) == 0 && len(c.Update) == 0 && len(c.Deactivate) == 0 && len(c.Delete) == 0
}

// Diff computes the writes that bring existing in line with fetched. It does
// no I/O.
func Diff(existing []models.Stream, fetched []fetcher.Record, allowAutoDeletion bool) Changes {
	index := make(map[models.StreamKey]int, len(existing))
	for i, s := range existing {
		if _, dup := index[s.Key()]; !dup {
			index[s.Key()] = i
		}
	}

	var c Changes
	seen := make(map[models.StreamKey]bool, len(fetched))
	for _, r := range fetched {
		name, url := strings.TrimSpace(r.Name), strings.TrimSpace(r.URL)
		if name == "" || url == "" {
			c.Skipped++
			continue
		}
		key := models.StreamKey{Title: name, Group: strings.TrimSpace(r.Group)}
		if seen[key] {
			c.Skipped++
			continue
		}
		seen[key] = true

		i, ok := index[key]
		if !ok {
			c.Create = append(c.Create, models.Stream{
				Title:    key.Title,
				Group:    key.Group,
				TvgID:    strings.TrimSpace(r.TvgID),
				MediaURL: url,
				LogoURL:  strings.TrimSpace(r.Logo),
				IsActive: true,
			})
			continue
		}

		s := existing[i]
		changed := overwrite(&s.TvgID, r.TvgID)
		changed = overwrite(&s.MediaURL, url) || changed
		changed = overwrite(&s.LogoURL, r.Logo) || changed
		if !s.IsActive {
			s.IsActive = true
			changed = true
		}
		if changed {
			c.Update = append(c.Update, s)
		} else {
			c.Unchanged++
		}
	}

	for i, s := range existing {
		// Only the indexed row of a duplicated key can be matched.
		if seen[s.Key()] && index[s.Key()] == i {
			continue
		}
		switch {
		case allowAutoDeletion:
			c.Delete = append(c.Delete, s.ID)
		case s.IsActive:
			c.Deactivate = append(c.Deactivate, s.ID)
		}
	}
	return c
}

// overwrite sets *dst to v when v is non-empty and differs.
func overwrite(dst *string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" || v == *dst {
		return false
	}
	*dst = v
	return true
}

// Result counts what one reconciliation did.
type Result struct {
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
	Deleted     int `json:"deleted"`
	Unchanged   int `json:"unchanged"`
	Skipped     int `json:"skipped"`
}

// Writes is the number of streams written.
func (r Result) Writes() int {
	return r.Created + r.Updated + r.Deactivated + r.Deleted
}

// Summary describes r for a job status.
func (r Result) Summary() string {
	return fmt.Sprintf("Sync completed: %d created, %d updated, %d deactivated, %d deleted, %d unchanged",
		r.Created, r.Updated, r.Deactivated, r.Deleted, r.Unchanged)
}

// Reconciler applies diffs to a store.
type Reconciler struct {
	store store.Store
}

func New(s store.Store) *Reconciler {
	return &Reconciler{store: s}
}

// Apply loads the source's streams, diffs them against fetched and writes the
// changes, all in one transaction. On error nothing is written.
func (r *Reconciler) Apply(ctx context.Context, sourceID int64, fetched []fetcher.Record, allowAutoDeletion bool) (Result, error) {
	var res Result
	err := r.store.InSourceTx(ctx, sourceID, func(tx store.StreamTx) error {
		existing, err := tx.ListSourceStreams(ctx)
		if err != nil {
			return err
		}
		c := Diff(existing, fetched, allowAutoDeletion)

		if err := tx.CreateStreams(ctx, c.Create); err != nil {
			return err
		}
		if err := tx.UpdateStreams(ctx, c.Update); err != nil {
			return err
		}
		if err := tx.DeactivateStreams(ctx, c.Deactivate); err != nil {
			return err
		}
		if err := tx.DeleteStreams(ctx, c.Delete); err != nil {
			return err
		}

		res = Result{
			Created:     len(c.Create),
			Updated:     len(c.Update),
			Deactivated: len(c.Deactivate),
			Deleted:     len(c.Delete),
			Unchanged:   c.Unchanged,
			Skipped:     c.Skipped,
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile source %d: %w", sourceID, err)
	}
	return res, nil
}
