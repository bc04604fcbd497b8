package store

import (
	"context"
	"testing"

	"github.com/stridefusion/pdrengine/internal/types"
)

func TestInMemoryStore_UpsertAndGet(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	summary := SessionSummary{
		AttendanceID: "a1",
		SessionID:    "s1",
		StartedAtMs:  1000,
		FinalFused:   types.FusedPosition{Lat: 1, Lng: 2},
	}
	if err := s.Upsert(ctx, summary); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected summary to be found")
	}
	if got.AttendanceID != "a1" {
		t.Fatalf("expected attendanceId a1, got %q", got.AttendanceID)
	}

	summary.EndedAtMs = 5000
	if err := s.Upsert(ctx, summary); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	got, _, _ = s.Get(ctx, "s1")
	if got.EndedAtMs != 5000 {
		t.Fatalf("expected upsert to overwrite, got endedAtMs=%d", got.EndedAtMs)
	}
}

func TestInMemoryStore_GetMissing(t *testing.T) {
	s := NewInMemoryStore()
	_, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected missing session to report not found")
	}
}
