package math_test

import (
	fpmath "StakeLedger/internal/math"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

// ============================================================================
// Test: MulDiv rounding
// ============================================================================

func TestMulDiv_RoundingModes(t *testing.T) {
	tests := []struct {
		name    string
		x, y, d uint64
		mode    fpmath.RoundingMode
		want    uint64
	}{
		{"exact", 10, 10, 4, fpmath.RoundDown, 25},
		{"down truncates", 7, 1, 2, fpmath.RoundDown, 3},
		{"up rounds away", 7, 1, 2, fpmath.RoundUp, 4},
		{"half even to even (down)", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even to even (up)", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even above half", 5, 1, 3, fpmath.RoundHalfEven, 2},
		{"half even below half", 4, 1, 3, fpmath.RoundHalfEven, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(uint256.NewInt(tt.x), uint256.NewInt(tt.y), uint256.NewInt(tt.d), tt.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Uint64() != tt.want {
				t.Errorf("got %d, want %d", got.Uint64(), tt.want)
			}
		})
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int), fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^255 * 4) / 8 overflows a 256-bit product but not the result
	x := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	got, err := fpmath.MulDiv(x, uint256.NewInt(4), uint256.NewInt(8), fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 254)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestMulDiv_ResultOverflow(t *testing.T) {
	x := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	_, err := fpmath.MulDiv(x, uint256.NewInt(4), uint256.NewInt(1), fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	if _, err := fpmath.Sub(uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

// ============================================================================
// Test: Decimal parse/format
// ============================================================================

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5", "5000000000000000000"},
		{"0.5", "500000000000000000"},
		{".25", "250000000000000000"},
		{"1000000", "1000000000000000000000000"},
		{"0", "0"},
		{"0.000000000000000001", "1"},
		{"007.10", "7100000000000000000"},
	}

	for _, tt := range tests {
		got, err := fpmath.ParseUnits(tt.in)
		if err != nil {
			t.Errorf("ParseUnits(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got.Dec() != tt.want {
			t.Errorf("ParseUnits(%q) = %s, want %s", tt.in, got.Dec(), tt.want)
		}
	}
}

func TestParseUnits_Rejects(t *testing.T) {
	for _, in := range []string{"", "abc", "1.", "-1", "1.0000000000000000001", "1e18", "1.2.3"} {
		if _, err := fpmath.ParseUnits(in); !errors.Is(err, fpmath.ErrInvalidAmount) {
			t.Errorf("ParseUnits(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		in   *uint256.Int
		want string
	}{
		{uint256.NewInt(0), "0"},
		{uint256.NewInt(1), "0.000000000000000001"},
		{fpmath.Units(5), "5"},
		{uint256.MustFromDecimal("6164383561643835616"), "6.164383561643835616"},
		{uint256.MustFromDecimal("1500000000000000000"), "1.5"},
	}

	for _, tt := range tests {
		if got := fpmath.FormatUnits(tt.in); got != tt.want {
			t.Errorf("FormatUnits(%s) = %q, want %q", tt.in.Dec(), got, tt.want)
		}
	}
}

func TestParseBaseUnits(t *testing.T) {
	got, err := fpmath.ParseBaseUnits("000500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 500 {
		t.Errorf("got %d, want 500", got.Uint64())
	}
	if _, err := fpmath.ParseBaseUnits("5.0"); err == nil {
		t.Error("expected error for fractional base units")
	}
}

// ============================================================================
// Test: Reward formula
// ============================================================================

func TestComputeReward_SmallAmountFloors(t *testing.T) {
	// 500 * 15 * 2_592_000 / 3_153_600_000 = 6.164... -> 6
	got, err := fpmath.ComputeReward(uint256.NewInt(500), 15, 0, 30*fpmath.SecondsPerDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 6 {
		t.Errorf("got %d, want 6", got.Uint64())
	}
}

func TestComputeReward_EighteenDecimals(t *testing.T) {
	got, err := fpmath.ComputeReward(fpmath.Units(500), 15, 1_000, 1_000+30*fpmath.SecondsPerDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Dec() != "6164383561643835616" {
		t.Errorf("got %s, want 6164383561643835616", got.Dec())
	}
}

func TestComputeReward_OneWeek(t *testing.T) {
	got, err := fpmath.ComputeReward(fpmath.Units(1), 15, 0, 7*fpmath.SecondsPerDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Dec() != "2876712328767123" {
		t.Errorf("got %s, want 2876712328767123", got.Dec())
	}
}

func TestComputeReward_ZeroCases(t *testing.T) {
	tests := []struct {
		name       string
		amount     *uint256.Int
		rate       uint64
		start, now int64
	}{
		{"zero amount", new(uint256.Int), 15, 0, 1000},
		{"zero rate", uint256.NewInt(1000), 0, 0, 1000},
		{"no time elapsed", uint256.NewInt(1000), 15, 1000, 1000},
		{"clock behind start", uint256.NewInt(1000), 15, 2000, 1000},
		{"nil amount", nil, 15, 0, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.ComputeReward(tt.amount, tt.rate, tt.start, tt.now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.IsZero() {
				t.Errorf("got %s, want 0", got.Dec())
			}
		})
	}
}

func TestComputeReward_FullYear(t *testing.T) {
	got, err := fpmath.AnnualReward(fpmath.Units(100), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(fpmath.Units(10)) {
		t.Errorf("got %s, want %s", got.Dec(), fpmath.Units(10).Dec())
	}
}

func TestDailyReward_IsAnnualOver365(t *testing.T) {
	amount := fpmath.Units(365)
	daily, err := fpmath.DailyReward(amount, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 365 tokens at 10% for a year is 36.5 tokens; one day is 0.1 tokens
	if daily.Dec() != "100000000000000000" {
		t.Errorf("got %s, want 100000000000000000", daily.Dec())
	}
}

// ============================================================================
// Test: Rate curve
// ============================================================================

func TestUtilization(t *testing.T) {
	maxCap := fpmath.Units(1_000_000)
	tests := []struct {
		tvl  uint64
		want uint64
	}{
		{0, 0},
		{99_999, 9},
		{100_000, 10},
		{400_000, 40},
		{749_999, 74},
		{750_000, 75},
		{1_000_000, 100},
	}

	for _, tt := range tests {
		if got := fpmath.Utilization(fpmath.Units(tt.tvl), maxCap); got != tt.want {
			t.Errorf("Utilization(%d) = %d, want %d", tt.tvl, got, tt.want)
		}
	}
}

func TestUtilization_ZeroCapIsFull(t *testing.T) {
	if got := fpmath.Utilization(uint256.NewInt(0), new(uint256.Int)); got != 100 {
		t.Errorf("got %d, want 100", got)
	}
}

func TestCurrentRate_Boundaries(t *testing.T) {
	maxCap := fpmath.Units(1_000_000)
	tests := []struct {
		name string
		tvl  uint64
		want uint64
	}{
		{"empty pool", 0, 15},
		{"below low threshold", 50_000, 15},
		{"at low threshold", 100_000, 15},
		{"just above low threshold", 110_000, 15},
		{"interpolated 40%", 400_000, 11},
		{"interpolated 50%", 500_000, 9},
		{"just below high threshold", 749_999, 6},
		{"at high threshold", 750_000, 5},
		{"full pool", 1_000_000, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.CurrentRate(fpmath.Units(tt.tvl), maxCap, 5, 15)
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCurrentRate_Monotonic(t *testing.T) {
	maxCap := fpmath.Units(1_000_000)
	prev := uint64(fpmath.MaxRatePercent)
	for tvl := uint64(0); tvl <= 1_000_000; tvl += 10_000 {
		rate := fpmath.CurrentRate(fpmath.Units(tvl), maxCap, 5, 15)
		if rate > prev {
			t.Fatalf("rate rose from %d to %d at tvl=%d", prev, rate, tvl)
		}
		if rate < 5 || rate > 15 {
			t.Fatalf("rate %d outside [5, 15] at tvl=%d", rate, tvl)
		}
		prev = rate
	}
}

func TestCurrentRate_FlatWhenBoundsEqual(t *testing.T) {
	got := fpmath.CurrentRate(fpmath.Units(500_000), fpmath.Units(1_000_000), 8, 8)
	if got != 8 {
		t.Errorf("got %d, want 8", got)
	}
}
