package ledger_test

import (
	"StakeLedger/internal/ledger"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.StakedAccount(alice)

	path := key.AccountPath()
	expected := "user:" + alice.Hex() + ":staked"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
	if key.Address() != alice {
		t.Errorf("address round trip: got %s", key.Address().Hex())
	}
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	if got := ledger.RewardPoolAccount.AccountPath(); got != "system:reward_pool" {
		t.Errorf("got %q", got)
	}
	if got := ledger.DepositsAccount.AccountPath(); got != "external:deposits" {
		t.Errorf("got %q", got)
	}
	if got := ledger.WithdrawalsAccount.AccountPath(); got != "external:withdrawals" {
		t.Errorf("got %q", got)
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_ValidateRejectsZeroAmount(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.StakedAccount(alice),
			CreditAccount: ledger.DepositsAccount,
			Amount:        new(uint256.Int),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Fatal("zero amount should be rejected")
	}
}

func TestBatch_ValidateRejectsSelfTransfer(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.RewardPoolAccount,
			CreditAccount: ledger.RewardPoolAccount,
			Amount:        uint256.NewInt(1),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Fatal("self transfer should be rejected")
	}
}

func TestBatch_ValidateRejectsMismatchedBatchID(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       uuid.New(),
			DebitAccount:  ledger.StakedAccount(alice),
			CreditAccount: ledger.DepositsAccount,
			Amount:        uint256.NewInt(1),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Fatal("mismatched batch id should be rejected")
	}
}

func TestBatch_EmptyIsValid(t *testing.T) {
	jg := ledger.NewJournalGenerator(ledger.NewBalanceTracker())
	batch := jg.GenerateEmpty("op", 1, 100)
	if err := batch.Validate(); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if !batch.IsEmpty() {
		t.Error("expected empty")
	}
}

// ============================================================================
// Test: Generator + BalanceTracker
// ============================================================================

func TestLifecycle_StakeFundUnstake(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)
	v := ledger.NewInvariantValidator(bt)

	apply := func(b *ledger.Batch, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if err := bt.ApplyBatch(b); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	apply(jg.GenerateStake("s1", 1, 0, alice, uint256.NewInt(600)))
	apply(jg.GenerateStake("s2", 2, 0, bob, uint256.NewInt(400)))
	apply(jg.GenerateRewardFunding("f1", 3, 0, uint256.NewInt(50)))

	if err := v.ValidateStakedMatchesTVL(uint256.NewInt(1000)); err != nil {
		t.Error(err)
	}
	if err := v.ValidateHoldingsMatchReserve(uint256.NewInt(1050)); err != nil {
		t.Error(err)
	}

	apply(jg.GenerateUnstake("u1", 4, 10, alice, uint256.NewInt(600), uint256.NewInt(20)))

	if !bt.GetStaked(alice).IsZero() {
		t.Errorf("alice staked: %s", ledger.FormatBalance(bt.GetStaked(alice)))
	}
	if bt.GetRewardPool().Uint64() != 30 {
		t.Errorf("reward pool: %s", ledger.FormatBalance(bt.GetRewardPool()))
	}
	if err := v.ValidateStakedMatchesTVL(uint256.NewInt(400)); err != nil {
		t.Error(err)
	}
	if err := v.ValidateHoldingsMatchReserve(uint256.NewInt(430)); err != nil {
		t.Error(err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Error(err)
	}
	if !bt.IsNegative(ledger.DepositsAccount) {
		t.Error("deposits boundary account should be negative")
	}
}

func TestGenerator_UnstakePreCheck(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	if _, err := jg.GenerateUnstake("u", 1, 0, alice, uint256.NewInt(1), nil); err == nil {
		t.Fatal("unstake without staked balance should fail pre-check")
	}
	if _, err := jg.GenerateEmergencyWithdraw("e", 1, 0, alice, uint256.NewInt(1)); err == nil {
		t.Fatal("emergency withdraw without staked balance should fail pre-check")
	}
}

func TestGenerator_UnstakeWithoutRewardHasOneLeg(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)
	b, _ := jg.GenerateStake("s", 1, 0, alice, uint256.NewInt(5))
	_ = bt.ApplyBatch(b)

	u, err := jg.GenerateUnstake("u", 2, 0, alice, uint256.NewInt(5), new(uint256.Int))
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Journals) != 1 {
		t.Errorf("expected 1 journal, got %d", len(u.Journals))
	}
}

func TestBalanceTracker_RewardPoolCanGoNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)
	v := ledger.NewInvariantValidator(bt)

	b, _ := jg.GenerateStake("s1", 1, 0, alice, uint256.NewInt(100))
	_ = bt.ApplyBatch(b)
	b, _ = jg.GenerateStake("s2", 2, 0, bob, uint256.NewInt(100))
	_ = bt.ApplyBatch(b)
	// Reward paid out of bob's principal reserve.
	b, _ = jg.GenerateUnstake("u", 3, 0, alice, uint256.NewInt(100), uint256.NewInt(7))
	_ = bt.ApplyBatch(b)

	if !bt.IsNegative(ledger.RewardPoolAccount) {
		t.Fatal("reward pool should be negative")
	}
	if got := ledger.FormatBalance(bt.GetRewardPool()); got != "-7" {
		t.Errorf("got %s, want -7", got)
	}
	if err := v.ValidateHoldingsMatchReserve(uint256.NewInt(93)); err != nil {
		t.Error(err)
	}
	if err := bt.ValidateNonNegative(ledger.RewardPoolAccount); err == nil {
		t.Error("expected negative balance error")
	}
}

func TestBalanceTracker_RevertBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	b, _ := jg.GenerateStake("s", 1, 0, alice, uint256.NewInt(10))
	_ = bt.ApplyBatch(b)
	bt.RevertBatch(b)

	if !bt.GetStaked(alice).IsZero() || !bt.GetBalance(ledger.DepositsAccount).IsZero() {
		t.Fatal("revert did not restore balances")
	}
}

func TestGenerator_Opening(t *testing.T) {
	stakes := map[common.Address]*uint256.Int{
		alice: uint256.NewInt(600),
		bob:   uint256.NewInt(400),
	}

	tests := []struct {
		name    string
		reserve uint64
		pool    string
		legs    int
	}{
		{"funded", 1_200, "200", 3},
		{"exact", 1_000, "0", 2},
		{"short", 900, "-100", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bt := ledger.NewBalanceTracker()
			jg := ledger.NewJournalGenerator(bt)
			b := jg.GenerateOpening(0, stakes, uint256.NewInt(tt.reserve))
			if len(b.Journals) != tt.legs {
				t.Fatalf("legs: got %d, want %d", len(b.Journals), tt.legs)
			}
			if err := bt.ApplyBatch(b); err != nil {
				t.Fatal(err)
			}
			if got := ledger.FormatBalance(bt.GetRewardPool()); got != tt.pool {
				t.Errorf("pool: got %s, want %s", got, tt.pool)
			}
			v := ledger.NewInvariantValidator(bt)
			if err := v.ValidateStakedMatchesTVL(uint256.NewInt(1_000)); err != nil {
				t.Error(err)
			}
			if err := v.ValidateHoldingsMatchReserve(uint256.NewInt(tt.reserve)); err != nil {
				t.Error(err)
			}
			if err := v.ValidateGlobalBalance(); err != nil {
				t.Error(err)
			}
		})
	}
}
