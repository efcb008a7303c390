package state

import (
	"StakeLedger/internal/storage"
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

var (
	prefixStake = []byte("s/")        // s/<addr(20)> -> stakeRecord
	keyPool     = []byte("p/pool")    // poolRecord
	keyReserve  = []byte("c/reserve") // decimal string
	keyTip      = []byte("h/tip")     // tipRecord
	keyIntent   = []byte("i/receipt") // intentRecord, cleared by Apply
)

// stakeRecord is the durable form of a Stake. Amounts are decimal strings so
// the records stay readable with any KV dump tool.
type stakeRecord struct {
	Account    string `json:"account"`
	Amount     string `json:"amount"`
	StartTime  int64  `json:"start_time"`
	LockedRate uint64 `json:"locked_rate"`
}

type poolRecord struct {
	Admin          string `json:"admin"`
	MaxCap         string `json:"max_cap"`
	MinStakeAmount string `json:"min_stake_amount"`
	BaseRate       uint64 `json:"base_rate"`
	MinRate        uint64 `json:"min_rate"`
	MaxRate        uint64 `json:"max_rate"`
	LockupPeriod   int64  `json:"lockup_period"`
	Paused         bool   `json:"paused"`
}

type tipRecord struct {
	Sequence  int64    `json:"sequence"`
	StateHash [32]byte `json:"state_hash"`
}

type intentRecord struct {
	Sequence int64  `json:"sequence"`
	Account  string `json:"account"`
	Kind     string `json:"kind"`
	Amount   string `json:"amount"`
}

// ReceiptIntentKind says which receipt mutation was in flight.
type ReceiptIntentKind string

const (
	ReceiptMint ReceiptIntentKind = "mint"
	ReceiptBurn ReceiptIntentKind = "burn"
)

// ReceiptIntent records a receipt mint or burn that the next Apply is
// expected to settle. The receipt ledger writes in its own batch, so an
// intent still present at load means the process stopped between the two.
type ReceiptIntent struct {
	Sequence int64 // the commit sequence that would settle it
	Account  common.Address
	Kind     ReceiptIntentKind
	Amount   *uint256.Int
}

// Snapshot is everything the store holds. TVL is deliberately absent: the
// caller recomputes it from Stakes.
type Snapshot struct {
	Params    *PoolParams // nil on a fresh store
	Stakes    []*Stake
	Reserve   *uint256.Int
	Sequence  int64
	StateHash [32]byte

	// PendingReceipt is non-nil when a staged intent was never settled.
	PendingReceipt *ReceiptIntent
}

// Commit is one operation's durable delta. A nil entry in Stakes deletes
// that account's record. Nil Params/Reserve leave those keys untouched.
type Commit struct {
	Stakes    map[common.Address]*Stake
	Params    *PoolParams
	Reserve   *uint256.Int
	Sequence  int64
	StateHash [32]byte
}

// Store persists stake records, pool parameters, the custody reserve and the
// state hash tip. Each Apply is a single atomic batch.
type Store struct {
	db storage.DB
}

func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// Load reads the full state.
func (s *Store) Load() (*Snapshot, error) {
	snap := &Snapshot{Reserve: new(uint256.Int)}

	raw, err := s.db.Get(keyPool)
	switch {
	case err == nil:
		params, err := decodePool(raw)
		if err != nil {
			return nil, err
		}
		snap.Params = &params
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, errors.Wrap(err, "read pool params")
	}

	raw, err = s.db.Get(keyReserve)
	switch {
	case err == nil:
		reserve, err := uint256.FromDecimal(string(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "decode reserve %q", raw)
		}
		snap.Reserve = reserve
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, errors.Wrap(err, "read reserve")
	}

	raw, err = s.db.Get(keyTip)
	switch {
	case err == nil:
		var tip tipRecord
		if err := json.Unmarshal(raw, &tip); err != nil {
			return nil, errors.Wrap(err, "decode tip")
		}
		snap.Sequence = tip.Sequence
		snap.StateHash = tip.StateHash
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, errors.Wrap(err, "read tip")
	}

	raw, err = s.db.Get(keyIntent)
	switch {
	case err == nil:
		intent, err := decodeIntent(raw)
		if err != nil {
			return nil, err
		}
		snap.PendingReceipt = intent
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, errors.Wrap(err, "read receipt intent")
	}

	err = s.db.ForEach(prefixStake, func(key, value []byte) error {
		st, err := decodeStake(value)
		if err != nil {
			return errors.Wrapf(err, "stake record %x", key)
		}
		snap.Stakes = append(snap.Stakes, st)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load stakes")
	}
	return snap, nil
}

// Apply writes c atomically. ctx is checked before the batch commits.
func (s *Store) Apply(ctx context.Context, c Commit) error {
	batch := storage.NewBatch(s.db)
	defer batch.Discard()

	for account, st := range c.Stakes {
		key := stakeKey(account)
		if st == nil || !st.Active {
			if err := batch.Delete(key); err != nil {
				return errors.Wrap(err, "delete stake")
			}
			continue
		}
		raw, err := json.Marshal(stakeRecord{
			Account:    st.Account.Hex(),
			Amount:     st.Amount.Dec(),
			StartTime:  st.StartTime,
			LockedRate: st.LockedRate,
		})
		if err != nil {
			return errors.Wrap(err, "encode stake")
		}
		if err := batch.Put(key, raw); err != nil {
			return errors.Wrap(err, "put stake")
		}
	}

	if c.Params != nil {
		raw, err := encodePool(*c.Params)
		if err != nil {
			return err
		}
		if err := batch.Put(keyPool, raw); err != nil {
			return errors.Wrap(err, "put pool params")
		}
	}

	if c.Reserve != nil {
		if err := batch.Put(keyReserve, []byte(c.Reserve.Dec())); err != nil {
			return errors.Wrap(err, "put reserve")
		}
	}

	tip, err := json.Marshal(tipRecord{Sequence: c.Sequence, StateHash: c.StateHash})
	if err != nil {
		return errors.Wrap(err, "encode tip")
	}
	if err := batch.Put(keyTip, tip); err != nil {
		return errors.Wrap(err, "put tip")
	}
	if err := batch.Delete(keyIntent); err != nil {
		return errors.Wrap(err, "clear receipt intent")
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrap(batch.Commit(), "commit state batch")
}

// StageReceipt durably records intent ahead of the receipt write.
func (s *Store) StageReceipt(intent ReceiptIntent) error {
	raw, err := json.Marshal(intentRecord{
		Sequence: intent.Sequence,
		Account:  intent.Account.Hex(),
		Kind:     string(intent.Kind),
		Amount:   intent.Amount.Dec(),
	})
	if err != nil {
		return errors.Wrap(err, "encode receipt intent")
	}
	return errors.Wrap(s.db.Put(keyIntent, raw), "put receipt intent")
}

// ClearReceipt drops a staged intent once it has been settled.
func (s *Store) ClearReceipt() error {
	return errors.Wrap(s.db.Delete(keyIntent), "clear receipt intent")
}

func decodeIntent(raw []byte) (*ReceiptIntent, error) {
	var rec intentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode receipt intent")
	}
	if !common.IsHexAddress(rec.Account) {
		return nil, errors.Errorf("bad intent account %q", rec.Account)
	}
	kind := ReceiptIntentKind(rec.Kind)
	if kind != ReceiptMint && kind != ReceiptBurn {
		return nil, errors.Errorf("bad intent kind %q", rec.Kind)
	}
	amount, err := uint256.FromDecimal(rec.Amount)
	if err != nil {
		return nil, errors.Wrapf(err, "bad intent amount %q", rec.Amount)
	}
	return &ReceiptIntent{
		Sequence: rec.Sequence,
		Account:  common.HexToAddress(rec.Account),
		Kind:     kind,
		Amount:   amount,
	}, nil
}

func stakeKey(account common.Address) []byte {
	key := make([]byte, 0, len(prefixStake)+common.AddressLength)
	key = append(key, prefixStake...)
	return append(key, account.Bytes()...)
}

func decodeStake(raw []byte) (*Stake, error) {
	var rec stakeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(rec.Account) {
		return nil, errors.Errorf("bad account %q", rec.Account)
	}
	amount, err := uint256.FromDecimal(rec.Amount)
	if err != nil {
		return nil, errors.Wrapf(err, "bad amount %q", rec.Amount)
	}
	if amount.IsZero() {
		return nil, errors.New("stored stake has zero amount")
	}
	return &Stake{
		Account:    common.HexToAddress(rec.Account),
		Amount:     amount,
		StartTime:  rec.StartTime,
		LockedRate: rec.LockedRate,
		Active:     true,
	}, nil
}

func encodePool(p PoolParams) ([]byte, error) {
	raw, err := json.Marshal(poolRecord{
		Admin:          p.Admin.Hex(),
		MaxCap:         p.MaxCap.Dec(),
		MinStakeAmount: p.MinStakeAmount.Dec(),
		BaseRate:       p.BaseRate,
		MinRate:        p.MinRate,
		MaxRate:        p.MaxRate,
		LockupPeriod:   p.LockupPeriod,
		Paused:         p.Paused,
	})
	return raw, errors.Wrap(err, "encode pool params")
}

func decodePool(raw []byte) (PoolParams, error) {
	var rec poolRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return PoolParams{}, errors.Wrap(err, "decode pool params")
	}
	maxCap, err := uint256.FromDecimal(rec.MaxCap)
	if err != nil {
		return PoolParams{}, errors.Wrapf(err, "bad max_cap %q", rec.MaxCap)
	}
	minStake, err := uint256.FromDecimal(rec.MinStakeAmount)
	if err != nil {
		return PoolParams{}, errors.Wrapf(err, "bad min_stake_amount %q", rec.MinStakeAmount)
	}
	return PoolParams{
		Admin:          common.HexToAddress(rec.Admin),
		MaxCap:         maxCap,
		MinStakeAmount: minStake,
		BaseRate:       rec.BaseRate,
		MinRate:        rec.MinRate,
		MaxRate:        rec.MaxRate,
		LockupPeriod:   rec.LockupPeriod,
		Paused:         rec.Paused,
	}, nil
}
