package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/klingon-exchange/atomicbroker/internal/ledger"
	"github.com/klingon-exchange/atomicbroker/internal/money"
)

// GlobalSettings holds the process-wide env-driven knobs that apply
// across every chain.
type GlobalSettings struct {
	HotWalletSeed      string   `envconfig:"HOT_WALLET_SEED" required:"true"`
	TankWalletKey      string   `envconfig:"TANK_WALLET_KEY" required:"true"`
	CommissionBPS      int64    `envconfig:"COMMISSION_BPS" default:"30"`
	CommissionUSDFixed string   `envconfig:"COMMISSION_USD_FIXED" default:"10"`
	ProductionMode     bool     `envconfig:"PRODUCTION_MODE" default:"false"`
	AllowedChains      []string `envconfig:"ALLOWED_CHAINS"`
	AllowedAssets      []string `envconfig:"ALLOWED_ASSETS"`
	StuckAfterSeconds  int64    `envconfig:"STUCK_AFTER_SECONDS" default:"600"`
	MaxGasBumpAttempts int      `envconfig:"MAX_GAS_BUMP_ATTEMPTS" default:"5"`
}

// ChainSettings holds the per-chain knobs loaded under the envconfig prefix
// <CHAIN>, where CHAIN is the adapter's symbol (ETH, BTC, UNICITY, ...).
type ChainSettings struct {
	RPC               string `envconfig:"RPC"`
	Electrum          string `envconfig:"ELECTRUM"`
	Confirmations     int64  `envconfig:"CONFIRMATIONS"`
	CollectConfirms   int64  `envconfig:"COLLECT_CONFIRMS"`
	OperatorAddress   string `envconfig:"OPERATOR_ADDRESS"`
	TankWalletAddress string `envconfig:"TANK_WALLET_ADDRESS"`
	GasFundAmount     string `envconfig:"GAS_FUND_AMOUNT" default:"0.01"`
	MinNativeBalance  string `envconfig:"MIN_NATIVE_BALANCE" default:"0.005"`
	AccountBased      bool   `envconfig:"ACCOUNT_BASED"`
}

// knownChains lists every chain symbol this deployment recognizes. Each one
// gets its own ChainSettings loaded under the envconfig prefix <symbol>_.
var knownChains = []string{"ETH", "BTC", "UNICITY"}

// BrokerConfig is the env-sourced Policy implementation consumed by
// statemachine.Driver and queueworker.Driver. It bridges their per-chain
// numbers to the symbol-keyed coin tables already defined in this package.
type BrokerConfig struct {
	Global GlobalSettings
	chains map[string]ChainSettings
}

// Load reads GlobalSettings plus one ChainSettings per entry in knownChains
// from the environment, using the <CHAIN>_<KEY> envconfig prefix convention.
func Load() (*BrokerConfig, error) {
	var global GlobalSettings
	if err := envconfig.Process("", &global); err != nil {
		return nil, fmt.Errorf("config: load global settings: %w", err)
	}

	chains := make(map[string]ChainSettings, len(knownChains))
	for _, symbol := range knownChains {
		var cs ChainSettings
		if err := envconfig.Process(symbol, &cs); err != nil {
			return nil, fmt.Errorf("config: load %s settings: %w", symbol, err)
		}
		chains[symbol] = cs
	}

	return &BrokerConfig{Global: global, chains: chains}, nil
}

func (c *BrokerConfig) chainSettings(chainID string) (ChainSettings, bool) {
	cs, ok := c.chains[chainID]
	return cs, ok
}

// CollectConfirms is the confirmation depth that satisfies COLLECTION.
// Deployments typically set it lower than FinalityConfirms so a deal can
// move past collection well before it is final. Falls back to the chain's
// mainnet finality depth when the deployment has not overridden it.
func (c *BrokerConfig) CollectConfirms(chainID string) int64 {
	if cs, ok := c.chainSettings(chainID); ok && cs.CollectConfirms > 0 {
		return cs.CollectConfirms
	}
	if params, ok := MainnetChainParams[chainID]; ok {
		return int64(params.Confirmations)
	}
	return 1
}

// FinalityConfirms is the confirmation depth that satisfies SWAP.
func (c *BrokerConfig) FinalityConfirms(chainID string) int64 {
	if cs, ok := c.chainSettings(chainID); ok && cs.Confirmations > 0 {
		return cs.Confirmations
	}
	if params, ok := MainnetChainParams[chainID]; ok {
		return int64(params.Confirmations)
	}
	return 1
}

// CommissionBPS is the process-wide commission rate; it is set globally
// rather than per chain or asset, but the Policy shape keeps the
// parameters for future per-asset overrides.
func (c *BrokerConfig) CommissionBPS(chainID, asset string) int64 {
	return c.Global.CommissionBPS
}

// FixedUSDCommission is the FIXED_USD_NATIVE commission amount.
func (c *BrokerConfig) FixedUSDCommission() money.Decimal {
	d, err := money.Parse(c.Global.CommissionUSDFixed)
	if err != nil {
		return money.FromInt64(10)
	}
	return d
}

// OperatorAddress is the commission-collecting address for a chain.
func (c *BrokerConfig) OperatorAddress(chainID, asset string) string {
	cs, ok := c.chainSettings(chainID)
	if !ok {
		return ""
	}
	return cs.OperatorAddress
}

// Decimals resolves an asset's base-unit precision, preferring the asset
// symbol and falling back to the chain symbol for chains whose native asset
// shares the chain's name (ETH on ethereum, ALPHA's chain UNICITY does not,
// so UNICITY carries its own SupportedCoins entry).
func (c *BrokerConfig) Decimals(chainID, asset string) int32 {
	if coin, ok := SupportedCoins[asset]; ok {
		return int32(coin.Decimals)
	}
	if coin, ok := SupportedCoins[chainID]; ok {
		return int32(coin.Decimals)
	}
	return 18
}

// IsAccountBased reports whether chainID reserves nonces (EVM-style) rather
// than selecting UTXO inputs at send time.
func (c *BrokerConfig) IsAccountBased(chainID string) bool {
	cs, ok := c.chainSettings(chainID)
	return ok && cs.AccountBased
}

// TankWalletAddress is the gas-funding source address for chainID.
func (c *BrokerConfig) TankWalletAddress(chainID string) string {
	cs, ok := c.chainSettings(chainID)
	if !ok {
		return ""
	}
	return cs.TankWalletAddress
}

// MinNativeBalance is the native balance an escrow must hold before a
// transfer of the given purpose is attempted. Only meaningful for
// account-based chains; UTXO chains pay fees out of the spent inputs.
func (c *BrokerConfig) MinNativeBalance(chainID string, purpose ledger.Purpose) money.Decimal {
	cs, ok := c.chainSettings(chainID)
	if !ok {
		return money.Zero
	}
	d, err := money.Parse(cs.MinNativeBalance)
	if err != nil {
		return money.Zero
	}
	return d
}

// GasFundAmount is how much native currency one GAS_FUND item moves.
func (c *BrokerConfig) GasFundAmount(chainID string) money.Decimal {
	cs, ok := c.chainSettings(chainID)
	if !ok {
		return money.Zero
	}
	d, err := money.Parse(cs.GasFundAmount)
	if err != nil {
		return money.Zero
	}
	return d
}

// StuckAfter is how long a SUBMITTED item may sit unconfirmed before the
// queue worker bumps its gas price and resubmits.
func (c *BrokerConfig) StuckAfter() time.Duration {
	return time.Duration(c.Global.StuckAfterSeconds) * time.Second
}

// MaxGasBumpAttempts caps gas-bump retries before a sender is left
// SUBMITTED for manual intervention.
func (c *BrokerConfig) MaxGasBumpAttempts() int {
	return c.Global.MaxGasBumpAttempts
}
