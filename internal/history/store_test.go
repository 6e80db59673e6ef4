package history

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Save(ctx, "tok-1", "山田整備工場", "# レポート", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	e, err := s.Get(ctx, "tok-1", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.CompanyName != "山田整備工場" || e.Markdown != "# レポート" {
		t.Fatalf("entry = %+v", e)
	}
	if string(e.PDF) != "%PDF-1.4" {
		t.Fatalf("pdf = %q", e.PDF)
	}
}

func TestGetScopedToSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Save(ctx, "tok-1", "A社", "md", nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Get(ctx, "tok-other", id); err == nil {
		t.Fatal("report leaked across sessions")
	}
}

func TestListNewestFirstWithoutPDF(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Save(ctx, "tok-1", "A社", "md-1", []byte("pdf")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, "tok-1", "A社", "md-2", []byte("pdf")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, "tok-2", "B社", "md-3", nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := s.List(ctx, "tok-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Markdown != "md-2" || entries[1].Markdown != "md-1" {
		t.Fatalf("order wrong: %q, %q", entries[0].Markdown, entries[1].Markdown)
	}
	for _, e := range entries {
		if e.PDF != nil {
			t.Fatal("List should not carry PDF bodies")
		}
	}
}
