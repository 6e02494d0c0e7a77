package admin

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryListPagination(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		acct := &Account{
			ID:    fmt.Sprintf("acct-%02d", i),
			Email: fmt.Sprintf("a%d@zettanote.org", i),
		}
		if err := mem.Create(ctx, acct); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	page, total, err := mem.List(ctx, 1, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 {
		t.Fatalf("unexpected total: %d", total)
	}
	if len(page) != 2 || page[0].ID != "acct-01" || page[1].ID != "acct-02" {
		t.Fatalf("unexpected page: %+v", page)
	}

	// Offset beyond the end returns an empty page with the real total.
	page, total, err = mem.List(ctx, 10, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 0 || total != 5 {
		t.Fatalf("unexpected overflow page: len=%d total=%d", len(page), total)
	}

	// limit <= 0 returns the remainder.
	page, _, err = mem.List(ctx, 3, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("unexpected remainder: %d", len(page))
	}
}

func TestMemoryCreateDuplicateEmail(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	if err := mem.Create(ctx, &Account{ID: "a1", Email: "same@zettanote.org"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := mem.Create(ctx, &Account{ID: "a2", Email: "same@zettanote.org"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryRecordLoginFailureRelocksAfterExpiry(t *testing.T) {
	mem := NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return now })
	ctx := context.Background()
	if err := mem.Create(ctx, &Account{ID: "a1", Email: "a@zettanote.org"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var lock *time.Time
	for i := 0; i < 3; i++ {
		var err error
		_, lock, err = mem.RecordLoginFailure(ctx, "a1", 3, 30*time.Minute)
		if err != nil {
			t.Fatalf("RecordLoginFailure: %v", err)
		}
	}
	if lock == nil || !lock.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("unexpected lock: %v", lock)
	}

	// Failures during an active lock extend nothing.
	_, lock2, err := mem.RecordLoginFailure(ctx, "a1", 3, 30*time.Minute)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if !lock2.Equal(*lock) {
		t.Fatalf("active lock moved: %v -> %v", lock, lock2)
	}

	// Once the lock expires, the next threshold failure sets a fresh one.
	now = now.Add(time.Hour)
	_, lock3, err := mem.RecordLoginFailure(ctx, "a1", 3, 30*time.Minute)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if lock3 == nil || !lock3.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("expired lock not replaced: %v", lock3)
	}
}

func TestMemoryClonesOnRead(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	acct := &Account{
		ID:          "a1",
		Email:       "a@zettanote.org",
		Permissions: map[string]bool{PermReadUsers: true},
	}
	if err := mem.Create(ctx, acct); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := mem.FindByID(ctx, "a1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	got.Permissions[PermManageAdmins] = true
	got.AppendAudit(AuditEntry{ID: "probe"})

	again, _ := mem.FindByID(ctx, "a1")
	if again.Permissions[PermManageAdmins] || len(again.AuditLog) != 0 {
		t.Fatal("read result shares state with the store")
	}
}
