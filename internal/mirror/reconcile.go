// Package mirror decides what a sync run changes: which mode to run in, what
// to fetch, how the fetched statuses merge into the existing records and
// when the cursor may move.
package mirror

import (
	"sort"

	"github.com/agentworkforce/tootsync/internal/archive"
	"github.com/agentworkforce/tootsync/internal/feed"
)

// Window is a set of statuses fetched in one walk. When Complete is set the
// walk saw every status of the account with an id at or above Floor, so a
// record in that range that is missing from Items was deleted remotely.
type Window struct {
	Items    []feed.Item
	Complete bool
	// Floor is the lowest id the walk covers; "0" when the walk reached the
	// end of the timeline. An empty floor disables deletion.
	Floor string
	// Seen lists ids the walk returned but could not use. They still exist
	// remotely and are never inferred deleted.
	Seen []string
}

// WindowFrom builds a deletion-capable window from a fetch result.
func WindowFrom(result feed.FetchResult) Window {
	w := Window{Items: result.Items, Complete: true, Seen: result.SkippedIDs}
	switch {
	case result.Exhausted:
		w.Floor = "0"
	case len(result.Items) > 0:
		floor := result.Items[0].ID
		for _, item := range result.Items[1:] {
			if feed.CompareIDs(item.ID, floor) < 0 {
				floor = item.ID
			}
		}
		w.Floor = floor
	}
	return w
}

// PartialWindow wraps statuses that must never cause deletions.
func PartialWindow(items []feed.Item) Window {
	return Window{Items: items}
}

// RenderFunc turns a fetched status into its record.
type RenderFunc func(item feed.Item) (archive.Record, error)

// Changes lists what reconciliation did, ids in ascending order.
type Changes struct {
	Added   []string
	Updated []string
	Removed []string
	// Unchanged counts fetched statuses whose block came out identical.
	Unchanged int
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Reconcile merges fresh statuses into prev and returns the new record set.
// prev is not modified. Fresh statuses are upserted by id, the last
// occurrence of an id winning. Deletion is inferred only from a complete
// window and only for records in the range that window covers.
func Reconcile(prev archive.Records, fresh []feed.Item, window Window, render RenderFunc) (archive.Records, Changes, error) {
	next := prev.Clone()
	var changes Changes

	latest := make(map[string]feed.Item, len(fresh))
	order := make([]string, 0, len(fresh))
	for _, item := range fresh {
		if _, seen := latest[item.ID]; !seen {
			order = append(order, item.ID)
		}
		latest[item.ID] = item
	}

	if window.Complete && window.Floor != "" {
		inWindow := make(map[string]struct{}, len(window.Items)+len(window.Seen))
		for _, item := range window.Items {
			inWindow[item.ID] = struct{}{}
		}
		for _, id := range window.Seen {
			inWindow[id] = struct{}{}
		}
		for id := range prev {
			if _, ok := inWindow[id]; ok {
				continue
			}
			if _, ok := latest[id]; ok {
				continue
			}
			if feed.CompareIDs(id, window.Floor) < 0 {
				continue
			}
			delete(next, id)
			changes.Removed = append(changes.Removed, id)
		}
	}

	for _, id := range order {
		rec, err := render(latest[id])
		if err != nil {
			return nil, Changes{}, err
		}
		old, existed := prev[id]
		switch {
		case !existed:
			changes.Added = append(changes.Added, id)
		case old.Block != rec.Block:
			changes.Updated = append(changes.Updated, id)
		default:
			changes.Unchanged++
		}
		next[id] = rec
	}

	sortIDs(changes.Added)
	sortIDs(changes.Updated)
	sortIDs(changes.Removed)
	return next, changes, nil
}

// Forget drops records the remote reported deleted and returns the ids it
// removed, ascending. An id present in fresh was fetched again and stays.
func Forget(records archive.Records, ids []string, fresh []feed.Item) []string {
	live := make(map[string]struct{}, len(fresh))
	for _, item := range fresh {
		live[item.ID] = struct{}{}
	}
	var removed []string
	for _, id := range ids {
		if _, ok := live[id]; ok {
			continue
		}
		if _, ok := records[id]; !ok {
			continue
		}
		delete(records, id)
		removed = append(removed, id)
	}
	sortIDs(removed)
	return removed
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return feed.CompareIDs(ids[i], ids[j]) < 0
	})
}
