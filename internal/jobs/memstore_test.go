package jobs

import (
	"errors"
	"testing"
	"time"
)

func TestMemStore_CreateAndGet(t *testing.T) {
	store := NewMemStore()
	j := New("a.pdf", "uploads/a.pdf")

	if err := store.CreateJob(j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	got, err := store.GetJob(j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != j.ID {
		t.Errorf("expected %s, got %s", j.ID, got.ID)
	}

	// The store hands out copies, not aliases.
	got.Status = StatusFailed
	again, _ := store.GetJob(j.ID)
	if again.Status != StatusPending {
		t.Error("mutating a returned job leaked into the store")
	}
}

func TestMemStore_GetNotFound(t *testing.T) {
	store := NewMemStore()
	_, err := store.GetJob("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_UpdateNotFound(t *testing.T) {
	store := NewMemStore()
	if err := store.UpdateJob(New("a.pdf", "")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_ListEmptyIsNotNil(t *testing.T) {
	store := NewMemStore()

	// An empty listing must serialize as [] rather than null.
	list, total, err := store.ListJobs(ListFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if list == nil {
		t.Error("expected a non-nil empty slice")
	}
	if total != 0 || len(list) != 0 {
		t.Errorf("expected empty listing, got %d (total %d)", len(list), total)
	}

	j := New("a.pdf", "")
	store.CreateJob(j)
	list, _, err = store.ListJobs(ListFilter{Status: StatusFailed})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if list == nil {
		t.Error("expected a non-nil slice when the filter matches nothing")
	}
}

func TestMemStore_UpdatePreservesTimestamps(t *testing.T) {
	store := NewMemStore()
	j := New("a.pdf", "")
	store.CreateJob(j)

	// Timestamps are owned by the caller (the state machine stamps them);
	// stores persist them as given.
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.UpdatedAt = stamp
	if err := store.UpdateJob(j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if !j.UpdatedAt.Equal(stamp) {
		t.Errorf("UpdateJob re-stamped the caller's copy: %v", j.UpdatedAt)
	}
	got, _ := store.GetJob(j.ID)
	if !got.UpdatedAt.Equal(stamp) {
		t.Errorf("expected stored UpdatedAt %v, got %v", stamp, got.UpdatedAt)
	}
}

func TestMemStore_ListFiltersByStatus(t *testing.T) {
	store := NewMemStore()
	a := New("a.pdf", "")
	b := New("b.pdf", "")
	b.Status = StatusFailed
	store.CreateJob(a)
	store.CreateJob(b)

	list, total, err := store.ListJobs(ListFilter{Status: StatusFailed})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Fatalf("expected 1 job, got %d (total %d)", len(list), total)
	}
	if list[0].ID != b.ID {
		t.Errorf("expected %s, got %s", b.ID, list[0].ID)
	}
}

func TestMemStore_ListSortsNewestFirstByDefault(t *testing.T) {
	store := NewMemStore()
	old := New("old.pdf", "")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	recent := New("recent.pdf", "")
	store.CreateJob(old)
	store.CreateJob(recent)

	list, _, err := store.ListJobs(ListFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if list[0].ID != recent.ID {
		t.Errorf("expected newest first, got %s", list[0].SourceFilename)
	}
}

func TestMemStore_ListSortsByName(t *testing.T) {
	store := NewMemStore()
	store.CreateJob(New("zebra.pdf", ""))
	store.CreateJob(New("alpha.pdf", ""))

	list, _, err := store.ListJobs(ListFilter{SortBy: SortByName, SortOrder: SortAsc})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if list[0].SourceFilename != "alpha.pdf" {
		t.Errorf("expected alpha.pdf first, got %s", list[0].SourceFilename)
	}
}

func TestMemStore_ListPaginates(t *testing.T) {
	store := NewMemStore()
	for i := 0; i < 5; i++ {
		j := New("doc.pdf", "")
		j.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		store.CreateJob(j)
	}

	list, total, err := store.ListJobs(ListFilter{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 jobs on page 2, got %d", len(list))
	}

	list, total, _ = store.ListJobs(ListFilter{Page: 4, PageSize: 2})
	if total != 5 || len(list) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(list))
	}
}

func TestMemStore_DeleteJobs(t *testing.T) {
	store := NewMemStore()
	a := New("a.pdf", "")
	b := New("b.pdf", "")
	c := New("c.pdf", "")
	store.CreateJob(a)
	store.CreateJob(b)
	store.CreateJob(c)

	if err := store.DeleteJobs([]string{a.ID, c.ID}); err != nil {
		t.Fatalf("DeleteJobs: %v", err)
	}
	list, total, _ := store.ListJobs(ListFilter{})
	if total != 1 || list[0].ID != b.ID {
		t.Errorf("expected only %s to remain", b.ID)
	}

	if err := store.DeleteJob(a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
