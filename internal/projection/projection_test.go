package projection

import (
	"StakeLedger/internal/event"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	admin = common.HexToAddress("0x00000000000000000000000000000000000ad111")
)

func output(seq int64, et event.EventType, account common.Address, o *event.Outcome) ProjectionOutput {
	env := &event.EventEnvelope{
		Sequence:  seq,
		EventType: et,
		Account:   account,
		Timestamp: time.Unix(1_700_000_000+seq, 0).UTC(),
	}
	return NewProjectionOutput(env, o)
}

func TestNewHistoryEntry_StakeAndParam(t *testing.T) {
	stake := NewHistoryEntry(output(1, event.EventTypeStake, alice, &event.Outcome{
		Account: alice.Hex(), Amount: "500", LockedRate: 15, TVL: "500",
	}))
	if stake.Action != "stake" || stake.Amount != "500" || stake.LockedRate != 15 || stake.TVLAfter != "500" {
		t.Errorf("unexpected stake entry %+v", stake)
	}

	param := NewHistoryEntry(output(2, event.EventTypeSetMaxCap, admin, &event.Outcome{
		Account: admin.Hex(), Param: "max_cap", OldValue: "1000", NewValue: "2000", TVL: "500",
	}))
	if param.Action != "set_max_cap" || param.Param != "max_cap" || param.NewValue != "2000" {
		t.Errorf("unexpected param entry %+v", param)
	}
}

func TestMemoryHistory_QueryNewestFirst(t *testing.T) {
	h := NewMemoryHistory(3)
	ctx := context.Background()

	for seq := int64(1); seq <= 4; seq++ {
		acct := alice
		if seq == 2 {
			acct = admin
		}
		if err := h.Apply(ctx, output(seq, event.EventTypeStake, acct, &event.Outcome{Amount: "1"})); err != nil {
			t.Fatal(err)
		}
	}

	if h.Len() != 3 {
		t.Fatalf("expected capacity to bound entries at 3, got %d", h.Len())
	}
	got := h.QueryByAccount(alice.Hex(), 10)
	if len(got) != 2 || got[0].Sequence != 4 || got[1].Sequence != 3 {
		t.Errorf("expected sequences [4 3], got %+v", got)
	}
	if got := h.QueryByAccount(alice.Hex(), 1); len(got) != 1 {
		t.Errorf("limit not applied: %d", len(got))
	}
}

func TestProjectionWorker_FeedsSinks(t *testing.T) {
	in := make(chan ProjectionOutput, 4)
	h := NewMemoryHistory(10)
	w := NewProjectionWorker(in, nil, zerolog.Nop(), h)

	in <- output(1, event.EventTypeStake, alice, &event.Outcome{Amount: "5"})
	in <- output(2, event.EventTypeUnstake, alice, &event.Outcome{Amount: "5", Reward: "1"})
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.LastSequence() != 2 {
		t.Errorf("expected last sequence 2, got %d", w.LastSequence())
	}
	got := h.QueryByAccount(alice.Hex(), 10)
	if len(got) != 2 || got[0].Action != "unstake" || got[0].Reward != "1" {
		t.Errorf("unexpected history %+v", got)
	}
}
