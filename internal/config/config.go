// Package config loads the pool genesis file.
package config

import (
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultMinter is the identity the engine mints receipts as when the file
// does not name one.
var DefaultMinter = common.HexToAddress("0x0000000000000000000000000000005374616b65")

// Genesis is the parsed pool configuration. Token amounts are whole-token
// decimals ("1000000", "0.5"), converted with 18 decimals.
type Genesis struct {
	Pool    PoolConfig        `yaml:"pool"`
	Minter  string            `yaml:"minter"`
	Wallets map[string]string `yaml:"wallets"` // dev rail balances, credited at startup
}

type PoolConfig struct {
	Admin          string        `yaml:"admin"`
	MaxCap         string        `yaml:"max_cap"`
	MinStakeAmount string        `yaml:"min_stake_amount"`
	BaseRate       uint64        `yaml:"base_rate"`
	MinRate        uint64        `yaml:"min_rate"`
	MaxRate        uint64        `yaml:"max_rate"`
	LockupPeriod   time.Duration `yaml:"lockup_period"`
	Paused         bool          `yaml:"paused"`
}

// Default returns the genesis matching state.DefaultPoolParams, with admin
// left for the caller to set.
func Default() *Genesis {
	return &Genesis{
		Pool: PoolConfig{
			MaxCap:         "1000000",
			MinStakeAmount: "5",
			BaseRate:       state.DefaultBaseRate,
			MinRate:        state.DefaultMinRate,
			MaxRate:        state.DefaultMaxRate,
			LockupPeriod:   time.Duration(state.DefaultLockupPeriod) * time.Second,
		},
	}
}

// Load reads path over the defaults. Fields the file omits keep their
// default value.
func Load(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read pool config")
	}
	return Parse(data)
}

func Parse(data []byte) (*Genesis, error) {
	g := Default()
	if err := yaml.Unmarshal(data, g); err != nil {
		return nil, errors.Wrap(err, "parse pool config")
	}
	if _, err := g.PoolParams(); err != nil {
		return nil, err
	}
	if _, err := g.MinterAddress(); err != nil {
		return nil, err
	}
	if _, err := g.WalletBalances(); err != nil {
		return nil, err
	}
	return g, nil
}

// PoolParams converts and validates the pool section.
func (g *Genesis) PoolParams() (state.PoolParams, error) {
	admin, err := parseAddress("pool.admin", g.Pool.Admin)
	if err != nil {
		return state.PoolParams{}, err
	}
	maxCap, err := fpmath.ParseUnits(g.Pool.MaxCap)
	if err != nil {
		return state.PoolParams{}, errors.Wrap(err, "pool.max_cap")
	}
	minStake, err := fpmath.ParseUnits(g.Pool.MinStakeAmount)
	if err != nil {
		return state.PoolParams{}, errors.Wrap(err, "pool.min_stake_amount")
	}
	if g.Pool.LockupPeriod%time.Second != 0 {
		return state.PoolParams{}, errors.Errorf("pool.lockup_period must be whole seconds, got %s", g.Pool.LockupPeriod)
	}

	p := state.PoolParams{
		Admin:          admin,
		MaxCap:         maxCap,
		MinStakeAmount: minStake,
		BaseRate:       g.Pool.BaseRate,
		MinRate:        g.Pool.MinRate,
		MaxRate:        g.Pool.MaxRate,
		LockupPeriod:   int64(g.Pool.LockupPeriod / time.Second),
		Paused:         g.Pool.Paused,
	}
	if err := state.ValidatePoolParams(p); err != nil {
		return state.PoolParams{}, err
	}
	return p, nil
}

func (g *Genesis) MinterAddress() (common.Address, error) {
	if g.Minter == "" {
		return DefaultMinter, nil
	}
	return parseAddress("minter", g.Minter)
}

// WalletBalances converts the wallets section to base units.
func (g *Genesis) WalletBalances() (map[common.Address]*uint256.Int, error) {
	out := make(map[common.Address]*uint256.Int, len(g.Wallets))
	for k, v := range g.Wallets {
		addr, err := parseAddress("wallets", k)
		if err != nil {
			return nil, err
		}
		amt, err := fpmath.ParseUnits(v)
		if err != nil {
			return nil, errors.Wrapf(err, "wallets[%s]", k)
		}
		out[addr] = amt
	}
	return out, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Errorf("%s: invalid address %q", field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, errors.Errorf("%s: zero address", field)
	}
	return addr, nil
}
