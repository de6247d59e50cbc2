// Package activity keeps a bounded, time-decayed journal of user actions.
// The journal holds the most recent entries, hides entries older than a day
// on read, and fans mutations out to subscribed listeners.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

const (
	// MaxItems bounds the journal; the oldest entry is evicted first.
	MaxItems = 20
	// MaxAge hides entries from reads once they are a day old. The next
	// write drops them from the stored list as well.
	MaxAge = 24 * time.Hour

	persistTimeout = 3 * time.Second
)

// Listener receives the current visible journal after every mutation.
type Listener func(items []domain.ActivityItem)

type subscription struct {
	id int
	fn Listener
}

// Journal is the in-memory activity log with best-effort persistence.
type Journal struct {
	mu        sync.Mutex
	store     Store
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	items     []domain.ActivityItem
	cache     []domain.ActivityItem
	cacheOK   bool
	listeners []subscription
	nextID    int
}

// NewJournal builds a journal backed by store, loading whatever the store
// holds. A store failure degrades to an empty journal rather than an error.
func NewJournal(ctx context.Context, store Store, log *slog.Logger) *Journal {
	j := &Journal{
		store:  store,
		logger: log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	items, err := store.Load(ctx)
	if err != nil {
		log.Warn("activity journal starting empty", "error", err)
		items = nil
	}
	if len(items) > MaxItems {
		items = items[:MaxItems]
	}
	j.items = items
	return j
}

// Record appends an entry and notifies listeners. Persistence failures are
// logged, never surfaced: recording activity must not fail the action it
// describes.
func (j *Journal) Record(kind domain.ActivityType, target, details string) {
	j.mu.Lock()
	now := j.now()
	item := domain.ActivityItem{
		ID:        j.newID(),
		Type:      kind,
		Target:    target,
		Timestamp: now.UnixMilli(),
		Details:   details,
	}
	// Writes persist the filtered list: entries past MaxAge drop out here
	// instead of lingering in storage until the size cap evicts them.
	cutoff := now.Add(-MaxAge).UnixMilli()
	kept := make([]domain.ActivityItem, 0, len(j.items)+1)
	kept = append(kept, item)
	for _, existing := range j.items {
		if existing.Timestamp >= cutoff {
			kept = append(kept, existing)
		}
	}
	if len(kept) > MaxItems {
		kept = kept[:MaxItems]
	}
	j.items = kept
	j.cacheOK = false
	j.persistLocked()
	visible := j.visibleLocked()
	listeners := append([]subscription(nil), j.listeners...)
	j.mu.Unlock()

	j.notify(listeners, visible)
}

// List returns the visible journal, newest first. Entries older than MaxAge
// are filtered out. The filtered view is cached until the next mutation.
func (j *Journal) List() []domain.ActivityItem {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.visibleLocked()
}

// Clear drops every entry and notifies listeners with the empty journal.
func (j *Journal) Clear() {
	j.mu.Lock()
	j.items = nil
	j.cache = nil
	j.cacheOK = true
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := j.store.Clear(ctx); err != nil {
		j.logger.Error("clear persisted activity journal", "error", err)
	}
	cancel()
	listeners := append([]subscription(nil), j.listeners...)
	j.mu.Unlock()

	j.notify(listeners, nil)
}

// Subscribe registers a listener and returns its unsubscribe function, which
// is safe to call more than once. Listeners run sequentially in subscription
// order; a panicking listener is dropped without affecting the others.
func (j *Journal) Subscribe(fn Listener) func() {
	j.mu.Lock()
	id := j.nextID
	j.nextID++
	j.listeners = append(j.listeners, subscription{id: id, fn: fn})
	j.mu.Unlock()

	return func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		for i, sub := range j.listeners {
			if sub.id == id {
				j.listeners = append(j.listeners[:i], j.listeners[i+1:]...)
				return
			}
		}
	}
}

// visibleLocked returns the age-filtered view, serving the cache when valid.
// Callers receive a copy so they cannot alias internal state.
func (j *Journal) visibleLocked() []domain.ActivityItem {
	if !j.cacheOK {
		cutoff := j.now().Add(-MaxAge).UnixMilli()
		visible := make([]domain.ActivityItem, 0, len(j.items))
		for _, item := range j.items {
			if item.Timestamp >= cutoff {
				visible = append(visible, item)
			}
		}
		j.cache = visible
		j.cacheOK = true
	}
	out := make([]domain.ActivityItem, len(j.cache))
	copy(out, j.cache)
	return out
}

func (j *Journal) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	items := make([]domain.ActivityItem, len(j.items))
	copy(items, j.items)
	if err := j.store.Save(ctx, items); err != nil {
		j.logger.Error("persist activity journal", "error", err)
	}
}

// notify runs outside the journal lock so listeners may call List or Record.
func (j *Journal) notify(listeners []subscription, items []domain.ActivityItem) {
	for _, sub := range listeners {
		j.invoke(sub, items)
	}
}

func (j *Journal) invoke(sub subscription, items []domain.ActivityItem) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("activity listener panicked", "panic", r)
		}
	}()
	sub.fn(items)
}
