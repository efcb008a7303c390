package persistence_test

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

func TestPersistenceWorker_WritesAuditLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	staker := common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker())

	in := make(chan persistence.CoreOutput, 4)
	for seq := int64(1); seq <= 3; seq++ {
		opID := "op-" + string(rune('0'+seq))
		batch, err := gen.GenerateStake(opID, seq, 1_700_000_000+seq, staker, uint256.NewInt(uint64(seq)*1000))
		if err != nil {
			t.Fatal(err)
		}
		env := &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: opID,
			EventType:      event.EventTypeStake,
			Account:        staker,
			Timestamp:      time.Unix(1_700_000_000+seq, 0).UTC(),
			Payload:        (&event.Outcome{Account: staker.Hex(), TVL: "0", Reserve: "0"}).Marshal(),
			StateHash:      [32]byte{byte(seq)},
			PrevHash:       [32]byte{byte(seq - 1)},
		}
		in <- persistence.NewCoreOutput(env, batch)
	}
	close(in)

	w := persistence.NewPersistenceWorker(db, in, 10, time.Second, nil, zerolog.Nop())
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var events, journals int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.events`).Scan(&events); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.journal`).Scan(&journals); err != nil {
		t.Fatal(err)
	}
	if events != 3 {
		t.Errorf("events: got %d, want 3", events)
	}
	if journals != 3 {
		t.Errorf("journals: got %d, want 3", journals)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(event.EventTypeStake.Subject(), "op-2")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("op-2 should be a duplicate after persistence")
	}
	dup, err = checker.IsDuplicate(event.EventTypeStake.Subject(), "op-9")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("op-9 was never written")
	}

	keys, err := checker.RecentKeys(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "stake:op-2" || keys[1] != "stake:op-3" {
		t.Errorf("recent keys: got %v", keys)
	}
}
