package activity

import (
	"context"
	"log/slog"
	"testing"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

func TestDecodeItemsDiscardsCorruptJSON(t *testing.T) {
	for _, raw := range []string{`{nope`, `[{"id":`, `"just a string"`, `{"id":"a"}`} {
		if items := decodeItems([]byte(raw), slog.Default()); items != nil {
			t.Fatalf("raw %q: expected nil, got %v", raw, items)
		}
	}

	valid := []byte(`[{"id":"a","type":"deployed","target":"1.92.0","timestamp":1}]`)
	items := decodeItems(valid, slog.Default())
	if len(items) != 1 || items[0].ID != "a" {
		t.Fatalf("valid payload not decoded: %v", items)
	}
}

func TestJournalStartsEmptyOnCorruptPersistedState(t *testing.T) {
	// What the redis store hands the journal when the persisted value does
	// not parse: an empty list and no error.
	store := &memJournalStore{loaded: decodeItems([]byte(`[{"id":"a","type"`), slog.Default())}
	j := NewJournal(context.Background(), store, slog.Default())

	if items := j.List(); len(items) != 0 {
		t.Fatalf("expected empty journal, got %v", items)
	}

	// The journal stays fully usable afterwards.
	j.Record(domain.ActivityDeployed, "1.92.0", "")
	items := j.List()
	if len(items) != 1 || items[0].Target != "1.92.0" {
		t.Fatalf("journal unusable after corrupt load: %v", items)
	}
}
