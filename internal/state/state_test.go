package state_test

import (
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"StakeLedger/internal/storage"
	"context"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000ad111")
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newStake(account common.Address, amount uint64, start int64, rate uint64) *state.Stake {
	return &state.Stake{
		Account:    account,
		Amount:     uint256.NewInt(amount),
		StartTime:  start,
		LockedRate: rate,
		Active:     true,
	}
}

// === Stake ===

func TestStake_LockupRemaining(t *testing.T) {
	s := newStake(alice, 10, 1_000, 15)
	lockup := int64(7 * fpmath.SecondsPerDay)

	if got := s.UnlockTime(lockup); got != 1_000+lockup {
		t.Errorf("unlock time: got %d", got)
	}
	if got := s.LockupRemaining(lockup, 1_000); got != lockup {
		t.Errorf("at start: got %d, want %d", got, lockup)
	}
	if got := s.LockupRemaining(lockup, 1_000+lockup); got != 0 {
		t.Errorf("at unlock: got %d, want 0", got)
	}
	if got := s.LockupRemaining(lockup, 1_000+lockup+50); got != 0 {
		t.Errorf("after unlock: got %d, want 0", got)
	}
}

func TestStake_UnlockTimeSaturates(t *testing.T) {
	s := newStake(alice, 10, 1_700_000_000, 15)

	if got := s.UnlockTime(math.MaxInt64); got != math.MaxInt64 {
		t.Errorf("unlock time: got %d, want MaxInt64", got)
	}
	if got := s.LockupRemaining(math.MaxInt64, 1_700_000_001); got <= 0 {
		t.Errorf("lockup remaining must stay positive, got %d", got)
	}
	if got := s.UnlockTime(state.MaxLockupPeriod); got != 1_700_000_000+state.MaxLockupPeriod {
		t.Errorf("unlock time at max lockup: got %d", got)
	}
}

func TestStake_CloneIsDeep(t *testing.T) {
	s := newStake(alice, 10, 0, 15)
	c := s.Clone()
	c.Amount.SetUint64(99)
	if s.Amount.Uint64() != 10 {
		t.Fatal("clone shares amount with original")
	}
}

func TestInactiveStake(t *testing.T) {
	s := state.InactiveStake(bob)
	if s.Active || !s.Amount.IsZero() || s.Account != bob {
		t.Fatalf("unexpected inactive record: %+v", s)
	}
}

// === Pool params ===

func TestValidatePoolParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *state.PoolParams)
		ok     bool
	}{
		{"defaults", func(p *state.PoolParams) {}, true},
		{"zero admin", func(p *state.PoolParams) { p.Admin = common.Address{} }, false},
		{"zero cap", func(p *state.PoolParams) { p.MaxCap = new(uint256.Int) }, false},
		{"zero min stake", func(p *state.PoolParams) { p.MinStakeAmount = new(uint256.Int) }, false},
		{"min above max", func(p *state.PoolParams) { p.MinRate, p.MaxRate = 20, 10 }, false},
		{"min equals max", func(p *state.PoolParams) { p.MinRate, p.MaxRate = 10, 10 }, true},
		{"max above 100", func(p *state.PoolParams) { p.MaxRate = 101 }, false},
		{"base outside bounds", func(p *state.PoolParams) { p.BaseRate = 50 }, true},
		{"negative lockup", func(p *state.PoolParams) { p.LockupPeriod = -1 }, false},
		{"zero lockup", func(p *state.PoolParams) { p.LockupPeriod = 0 }, true},
		{"max lockup", func(p *state.PoolParams) { p.LockupPeriod = state.MaxLockupPeriod }, true},
		{"lockup above max", func(p *state.PoolParams) { p.LockupPeriod = state.MaxLockupPeriod + 1 }, false},
		{"lockup max int64", func(p *state.PoolParams) { p.LockupPeriod = math.MaxInt64 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := state.DefaultPoolParams(admin)
			tt.mutate(&p)
			err := state.ValidatePoolParams(p)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, state.ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestPoolParams_CloneIsDeep(t *testing.T) {
	p := state.DefaultPoolParams(admin)
	c := p.Clone()
	c.MaxCap.SetUint64(1)
	if p.MaxCap.Eq(uint256.NewInt(1)) {
		t.Fatal("clone shares max cap")
	}
}

// === Stake book ===

func TestStakeBook_OpenClose(t *testing.T) {
	sb := state.NewStakeBook()

	if err := sb.Open(newStake(alice, 600, 0, 15)); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	if err := sb.Open(newStake(bob, 400, 0, 12)); err != nil {
		t.Fatalf("open bob: %v", err)
	}
	if sb.TVL().Uint64() != 1000 {
		t.Errorf("tvl: got %s, want 1000", sb.TVL().Dec())
	}
	if sb.Count() != 2 {
		t.Errorf("count: got %d", sb.Count())
	}

	closed, err := sb.Close(alice)
	if err != nil {
		t.Fatalf("close alice: %v", err)
	}
	if closed.Amount.Uint64() != 600 {
		t.Errorf("closed amount: got %s", closed.Amount.Dec())
	}
	if sb.TVL().Uint64() != 400 {
		t.Errorf("tvl after close: got %s", sb.TVL().Dec())
	}
	if sb.IsActive(alice) {
		t.Error("alice should be inactive")
	}
	if err := sb.ValidateTVL(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestStakeBook_DoubleOpenRejected(t *testing.T) {
	sb := state.NewStakeBook()
	if err := sb.Open(newStake(alice, 10, 0, 15)); err != nil {
		t.Fatal(err)
	}
	if err := sb.Open(newStake(alice, 20, 5, 10)); err == nil {
		t.Fatal("second open should fail")
	}
	got := sb.Get(alice)
	if got.Amount.Uint64() != 10 || got.StartTime != 0 || got.LockedRate != 15 {
		t.Errorf("original record changed: %+v", got)
	}
}

func TestStakeBook_CloseInactive(t *testing.T) {
	sb := state.NewStakeBook()
	if _, err := sb.Close(alice); err == nil {
		t.Fatal("close of inactive account should fail")
	}
}

func TestStakeBook_RestoreAndRemove(t *testing.T) {
	sb := state.NewStakeBook()
	if err := sb.Open(newStake(alice, 10, 0, 15)); err != nil {
		t.Fatal(err)
	}
	closed, _ := sb.Close(alice)
	sb.Restore(closed)
	if sb.TVL().Uint64() != 10 || !sb.IsActive(alice) {
		t.Fatal("restore did not bring the stake back")
	}

	sb.Remove(alice)
	if !sb.TVL().IsZero() || sb.Count() != 0 {
		t.Fatal("remove did not drop the stake")
	}
	if err := sb.ValidateTVL(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestStakeBook_AllSorted(t *testing.T) {
	sb := state.NewStakeBook()
	_ = sb.Open(newStake(bob, 1, 0, 5))
	_ = sb.Open(newStake(alice, 2, 0, 5))

	all := sb.All()
	if len(all) != 2 || all[0].Account != bob || all[1].Account != alice {
		t.Fatalf("unexpected order: %v, %v", all[0].Account, all[1].Account)
	}
	all[0].Amount.SetUint64(999)
	if sb.Get(bob).Amount.Uint64() != 1 {
		t.Error("All must return copies")
	}
}

// === Reserve ===

func TestReserve_WithdrawShort(t *testing.T) {
	r := state.NewReserve(uint256.NewInt(100))
	if err := r.Deposit(uint256.NewInt(50)); err != nil {
		t.Fatal(err)
	}
	if !r.CanCover(uint256.NewInt(150)) || r.CanCover(uint256.NewInt(151)) {
		t.Error("CanCover boundary wrong")
	}
	err := r.Withdraw(uint256.NewInt(151))
	if !errors.Is(err, state.ErrReserveShort) {
		t.Fatalf("expected ErrReserveShort, got %v", err)
	}
	if r.Balance().Uint64() != 150 {
		t.Errorf("failed withdraw changed balance: %s", r.Balance().Dec())
	}
	if err := r.Withdraw(uint256.NewInt(150)); err != nil {
		t.Fatal(err)
	}
	if !r.Balance().IsZero() {
		t.Error("expected empty reserve")
	}
}

func TestComputeSolvency(t *testing.T) {
	s := state.ComputeSolvency(uint256.NewInt(1000), uint256.NewInt(900), uint256.NewInt(50))
	if !s.Solvent() || s.Surplus.Uint64() != 50 || !s.Deficit.IsZero() {
		t.Errorf("covered case: %+v", s)
	}

	s = state.ComputeSolvency(uint256.NewInt(1000), uint256.NewInt(990), uint256.NewInt(30))
	if s.Solvent() || s.Deficit.Uint64() != 20 || !s.Surplus.IsZero() {
		t.Errorf("short case: %+v", s)
	}
	if s.Obligations.Uint64() != 1020 {
		t.Errorf("obligations: got %s", s.Obligations.Dec())
	}
}

// === Store ===

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	store := state.NewStore(db)

	snap, err := store.Load()
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if snap.Params != nil || len(snap.Stakes) != 0 || !snap.Reserve.IsZero() {
		t.Fatalf("fresh store not empty: %+v", snap)
	}

	params := state.DefaultPoolParams(admin)
	params.Paused = true
	hash := [32]byte{1, 2, 3}
	err = store.Apply(ctx, state.Commit{
		Stakes: map[common.Address]*state.Stake{
			alice: newStake(alice, 600, 100, 15),
			bob:   newStake(bob, 400, 200, 13),
		},
		Params:    &params,
		Reserve:   uint256.NewInt(1_500),
		Sequence:  3,
		StateHash: hash,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap, err = store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Params == nil || !snap.Params.Paused || snap.Params.Admin != admin {
		t.Errorf("params not restored: %+v", snap.Params)
	}
	if !snap.Params.MaxCap.Eq(params.MaxCap) || snap.Params.LockupPeriod != params.LockupPeriod {
		t.Errorf("params fields differ: %+v", snap.Params)
	}
	if len(snap.Stakes) != 2 {
		t.Fatalf("stakes: got %d", len(snap.Stakes))
	}
	if snap.Reserve.Uint64() != 1_500 || snap.Sequence != 3 || snap.StateHash != hash {
		t.Errorf("reserve/tip: %s %d %x", snap.Reserve.Dec(), snap.Sequence, snap.StateHash)
	}

	// Closing alice deletes her record and leaves params untouched.
	err = store.Apply(ctx, state.Commit{
		Stakes:   map[common.Address]*state.Stake{alice: nil},
		Reserve:  uint256.NewInt(900),
		Sequence: 4,
	})
	if err != nil {
		t.Fatalf("apply close: %v", err)
	}
	snap, _ = store.Load()
	if len(snap.Stakes) != 1 || snap.Stakes[0].Account != bob {
		t.Fatalf("expected only bob, got %d stakes", len(snap.Stakes))
	}
	if snap.Params == nil || !snap.Params.Paused {
		t.Error("params lost")
	}
}

func TestStore_ApplyCancelled(t *testing.T) {
	db := storage.NewMemory()
	store := state.NewStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Apply(ctx, state.Commit{
		Stakes:   map[common.Address]*state.Stake{alice: newStake(alice, 1, 0, 5)},
		Sequence: 1,
	})
	if err == nil {
		t.Fatal("cancelled apply should fail")
	}
	snap, _ := store.Load()
	if len(snap.Stakes) != 0 || snap.Sequence != 0 {
		t.Fatal("cancelled apply wrote state")
	}
}

func TestStore_ReceiptIntentClearedByApply(t *testing.T) {
	store := state.NewStore(storage.NewMemory())

	intent := state.ReceiptIntent{Sequence: 1, Account: alice, Kind: state.ReceiptMint, Amount: uint256.NewInt(500)}
	if err := store.StageReceipt(intent); err != nil {
		t.Fatalf("stage: %v", err)
	}
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := snap.PendingReceipt
	if got == nil {
		t.Fatal("staged intent not loaded")
	}
	if got.Sequence != 1 || got.Account != alice || got.Kind != state.ReceiptMint || got.Amount.Uint64() != 500 {
		t.Errorf("intent mismatch: %+v", got)
	}

	err = store.Apply(context.Background(), state.Commit{
		Stakes:   map[common.Address]*state.Stake{alice: newStake(alice, 500, 0, 15)},
		Sequence: 1,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap, _ = store.Load()
	if snap.PendingReceipt != nil {
		t.Errorf("intent survived apply: %+v", snap.PendingReceipt)
	}

	if err := store.StageReceipt(state.ReceiptIntent{Sequence: 2, Account: bob, Kind: state.ReceiptBurn, Amount: uint256.NewInt(1)}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := store.ClearReceipt(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	snap, _ = store.Load()
	if snap.PendingReceipt != nil {
		t.Error("intent survived clear")
	}
}

func TestStore_Badger(t *testing.T) {
	db, err := storage.NewBadgerInMemory()
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer db.Close()

	store := state.NewStore(storage.NewPrefixDB(db, []byte("state/")))
	err = store.Apply(context.Background(), state.Commit{
		Stakes:   map[common.Address]*state.Stake{alice: newStake(alice, 42, 7, 11)},
		Reserve:  uint256.NewInt(42),
		Sequence: 1,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Stakes) != 1 {
		t.Fatalf("stakes: got %d", len(snap.Stakes))
	}
	got := snap.Stakes[0]
	if got.Amount.Uint64() != 42 || got.StartTime != 7 || got.LockedRate != 11 || !got.Active {
		t.Errorf("stake mismatch: %+v", got)
	}
}
