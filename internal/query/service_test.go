package query

import (
	"StakeLedger/internal/projection"
	"context"
	"testing"
	"time"
)

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, defaultLimit},
		{-3, defaultLimit},
		{10, 10},
		{maxLimit + 1, maxLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMemoryReader_PaginatesBySequence(t *testing.T) {
	h := projection.NewMemoryHistory(100)
	for seq := int64(1); seq <= 5; seq++ {
		h.Add(projection.HistoryEntry{Sequence: seq, Account: "0xA", Action: "stake", OccurredAt: time.Unix(seq, 0)})
	}
	h.Add(projection.HistoryEntry{Sequence: 6, Account: "0xB", Action: "stake"})

	r := NewMemoryReader(h, func() int64 { return 6 })

	page, err := r.StakeHistory(context.Background(), "0xA", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if page.AsOfSequence != 6 || len(page.Entries) != 2 || page.Entries[0].Sequence != 5 {
		t.Fatalf("unexpected first page %+v", page)
	}

	cursor := page.Entries[len(page.Entries)-1].Sequence
	page, err = r.StakeHistory(context.Background(), "0xA", 10, &cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 3 || page.Entries[0].Sequence != 3 || page.Entries[2].Sequence != 1 {
		t.Errorf("unexpected second page %+v", page.Entries)
	}
}
