// Package config provides centralized configuration for the broker.
// ALL supported-coin and chain parameter tables MUST be defined here.
// No hardcoded values should exist elsewhere in the codebase.
package config

// =============================================================================
// Coin Definitions
// =============================================================================

// CoinType represents the type/family of a coin.
type CoinType string

const (
	CoinTypeBitcoin CoinType = "bitcoin" // BTC and forks (LTC, DOGE)
	CoinTypeMonero  CoinType = "monero"  // XMR
	CoinTypeEVM     CoinType = "evm"     // ETH, BSC, POLYGON, ARBITRUM, etc.
	CoinTypeSolana  CoinType = "solana"  // SOL
)

// Coin represents a supported cryptocurrency.
type Coin struct {
	Symbol    string   // e.g., "BTC", "ETH"
	Name      string   // e.g., "Bitcoin", "Ethereum"
	Type      CoinType // Coin family
	Decimals  uint8    // Decimal places (8 for BTC, 18 for ETH)
	MinAmount uint64   // Minimum trade amount in smallest unit
	MaxAmount uint64   // Maximum trade amount in smallest unit (0 = no limit)
}

// SupportedCoins defines all cryptocurrencies this deployment recognizes for
// commission-mode and validation purposes. XMR and SOL are listed here and
// carry a chain.Params entry (for wallet.DeriveAddress's not-yet-implemented
// error path) but have no chainadapter implementation in this tree yet;
// cmd/brokerd's buildChainRegistry only instantiates adapters for the chain
// families that do (UTXO and EVM).
var SupportedCoins = map[string]Coin{
	// Bitcoin and forks
	"BTC": {
		Symbol:    "BTC",
		Name:      "Bitcoin",
		Type:      CoinTypeBitcoin,
		Decimals:  8,
		MinAmount: 10000,        // 0.0001 BTC
		MaxAmount: 100000000000, // 1000 BTC
	},
	"LTC": {
		Symbol:    "LTC",
		Name:      "Litecoin",
		Type:      CoinTypeBitcoin,
		Decimals:  8,
		MinAmount: 100000, // 0.001 LTC
		MaxAmount: 0,      // No limit
	},
	"DOGE": {
		Symbol:    "DOGE",
		Name:      "Dogecoin",
		Type:      CoinTypeBitcoin,
		Decimals:  8,
		MinAmount: 100000000, // 1 DOGE
		MaxAmount: 0,
	},

	// Monero
	"XMR": {
		Symbol:    "XMR",
		Name:      "Monero",
		Type:      CoinTypeMonero,
		Decimals:  12,
		MinAmount: 1000000000, // 0.001 XMR
		MaxAmount: 0,
	},

	// Unicity: a UTXO-model chain whose native asset is ALPHA.
	"UNICITY": {
		Symbol:    "UNICITY",
		Name:      "Unicity",
		Type:      CoinTypeBitcoin,
		Decimals:  8,
		MinAmount: 100000, // 0.001 ALPHA
		MaxAmount: 0,
	},

	// EVM chains
	"ETH": {
		Symbol:    "ETH",
		Name:      "Ethereum",
		Type:      CoinTypeEVM,
		Decimals:  18,
		MinAmount: 1000000000000000, // 0.001 ETH
		MaxAmount: 0,
	},
	"BSC": {
		Symbol:    "BNB",
		Name:      "BNB Smart Chain",
		Type:      CoinTypeEVM,
		Decimals:  18,
		MinAmount: 1000000000000000,
		MaxAmount: 0,
	},
	"POLYGON": {
		Symbol:    "POL",
		Name:      "Polygon",
		Type:      CoinTypeEVM,
		Decimals:  18,
		MinAmount: 1000000000000000000, // 1 POL
		MaxAmount: 0,
	},
	"ARBITRUM": {
		Symbol:    "ETH",
		Name:      "Arbitrum One",
		Type:      CoinTypeEVM,
		Decimals:  18,
		MinAmount: 1000000000000000,
		MaxAmount: 0,
	},
	"OPTIMISM": {
		Symbol:    "ETH",
		Name:      "Optimism",
		Type:      CoinTypeEVM,
		Decimals:  18,
		MinAmount: 1000000000000000,
		MaxAmount: 0,
	},
	"BASE": {
		Symbol:    "ETH",
		Name:      "Base",
		Type:      CoinTypeEVM,
		Decimals:  18,
		MinAmount: 1000000000000000,
		MaxAmount: 0,
	},
	"AVAX": {
		Symbol:    "AVAX",
		Name:      "Avalanche C-Chain",
		Type:      CoinTypeEVM,
		Decimals:  18,
		MinAmount: 1000000000000000,
		MaxAmount: 0,
	},

	// Solana
	"SOL": {
		Symbol:    "SOL",
		Name:      "Solana",
		Type:      CoinTypeSolana,
		Decimals:  9,
		MinAmount: 10000000, // 0.01 SOL
		MaxAmount: 0,
	},
}

// =============================================================================
// Chain Parameters (Mainnet)
// =============================================================================

// ChainParams holds network-specific parameters for a coin.
type ChainParams struct {
	ChainID       uint64 // EVM chain ID (0 for non-EVM)
	RPCEndpoint   string // Default RPC endpoint
	ExplorerURL   string // Block explorer URL
	Confirmations uint32 // Required confirmations for finality
}

// MainnetChainParams contains mainnet parameters for each coin.
var MainnetChainParams = map[string]ChainParams{
	"BTC": {
		ChainID:       0,
		RPCEndpoint:   "", // User must configure
		ExplorerURL:   "https://blockstream.info",
		Confirmations: 3,
	},
	"LTC": {
		ChainID:       0,
		RPCEndpoint:   "",
		ExplorerURL:   "https://blockchair.com/litecoin",
		Confirmations: 6,
	},
	"DOGE": {
		ChainID:       0,
		RPCEndpoint:   "",
		ExplorerURL:   "https://blockchair.com/dogecoin",
		Confirmations: 6,
	},
	"XMR": {
		ChainID:       0,
		RPCEndpoint:   "",
		ExplorerURL:   "https://xmrchain.net",
		Confirmations: 10,
	},
	"UNICITY": {
		ChainID:       0,
		RPCEndpoint:   "",
		ExplorerURL:   "",
		Confirmations: 6,
	},
	"ETH": {
		ChainID:       1,
		RPCEndpoint:   "https://eth.llamarpc.com",
		ExplorerURL:   "https://etherscan.io",
		Confirmations: 12,
	},
	"BSC": {
		ChainID:       56,
		RPCEndpoint:   "https://bsc-dataseed.binance.org",
		ExplorerURL:   "https://bscscan.com",
		Confirmations: 15,
	},
	"POLYGON": {
		ChainID:       137,
		RPCEndpoint:   "https://polygon-rpc.com",
		ExplorerURL:   "https://polygonscan.com",
		Confirmations: 128,
	},
	"ARBITRUM": {
		ChainID:       42161,
		RPCEndpoint:   "https://arb1.arbitrum.io/rpc",
		ExplorerURL:   "https://arbiscan.io",
		Confirmations: 12,
	},
	"OPTIMISM": {
		ChainID:       10,
		RPCEndpoint:   "https://mainnet.optimism.io",
		ExplorerURL:   "https://optimistic.etherscan.io",
		Confirmations: 12,
	},
	"BASE": {
		ChainID:       8453,
		RPCEndpoint:   "https://mainnet.base.org",
		ExplorerURL:   "https://basescan.org",
		Confirmations: 12,
	},
	"AVAX": {
		ChainID:       43114,
		RPCEndpoint:   "https://api.avax.network/ext/bc/C/rpc",
		ExplorerURL:   "https://snowtrace.io",
		Confirmations: 12,
	},
	"SOL": {
		ChainID:       0,
		RPCEndpoint:   "https://api.mainnet-beta.solana.com",
		ExplorerURL:   "https://solscan.io",
		Confirmations: 32,
	},
}

// =============================================================================
// Chain Parameters (Testnet)
// =============================================================================

// TestnetChainParams contains testnet parameters for each coin.
var TestnetChainParams = map[string]ChainParams{
	"BTC": {
		ChainID:       0,
		RPCEndpoint:   "",
		ExplorerURL:   "https://blockstream.info/testnet",
		Confirmations: 1,
	},
	"LTC": {
		ChainID:       0,
		RPCEndpoint:   "",
		ExplorerURL:   "https://blockchair.com/litecoin/testnet",
		Confirmations: 1,
	},
	"DOGE": {
		ChainID:       0,
		RPCEndpoint:   "",
		ExplorerURL:   "https://blockchair.com/dogecoin",
		Confirmations: 1,
	},
	"XMR": {
		ChainID:       0,
		RPCEndpoint:   "",
		ExplorerURL:   "https://stagenet.xmrchain.net",
		Confirmations: 1,
	},
	"UNICITY": {
		ChainID:       0,
		RPCEndpoint:   "",
		ExplorerURL:   "",
		Confirmations: 1,
	},
	"ETH": {
		ChainID:       11155111, // Sepolia
		RPCEndpoint:   "https://rpc.sepolia.org",
		ExplorerURL:   "https://sepolia.etherscan.io",
		Confirmations: 2,
	},
	"BSC": {
		ChainID:       97, // BSC Testnet
		RPCEndpoint:   "https://data-seed-prebsc-1-s1.binance.org:8545",
		ExplorerURL:   "https://testnet.bscscan.com",
		Confirmations: 3,
	},
	"POLYGON": {
		ChainID:       80002, // Polygon Amoy
		RPCEndpoint:   "https://rpc-amoy.polygon.technology",
		ExplorerURL:   "https://amoy.polygonscan.com",
		Confirmations: 5,
	},
	"ARBITRUM": {
		ChainID:       421614, // Arbitrum Sepolia
		RPCEndpoint:   "https://sepolia-rollup.arbitrum.io/rpc",
		ExplorerURL:   "https://sepolia.arbiscan.io",
		Confirmations: 2,
	},
	"OPTIMISM": {
		ChainID:       11155420, // Optimism Sepolia
		RPCEndpoint:   "https://sepolia.optimism.io",
		ExplorerURL:   "https://sepolia-optimism.etherscan.io",
		Confirmations: 2,
	},
	"BASE": {
		ChainID:       84532, // Base Sepolia
		RPCEndpoint:   "https://sepolia.base.org",
		ExplorerURL:   "https://sepolia.basescan.org",
		Confirmations: 2,
	},
	"AVAX": {
		ChainID:       43113, // Avalanche Fuji
		RPCEndpoint:   "https://api.avax-test.network/ext/bc/C/rpc",
		ExplorerURL:   "https://testnet.snowtrace.io",
		Confirmations: 2,
	},
	"SOL": {
		ChainID:       0,
		RPCEndpoint:   "https://api.devnet.solana.com",
		ExplorerURL:   "https://solscan.io/?cluster=devnet",
		Confirmations: 1,
	},
}

// GetCoin returns the coin configuration for a given symbol.
func GetCoin(symbol string) (Coin, bool) {
	coin, ok := SupportedCoins[symbol]
	return coin, ok
}

// IsCoinSupported returns true if the coin is supported.
func IsCoinSupported(symbol string) bool {
	_, ok := SupportedCoins[symbol]
	return ok
}

// ListSupportedCoins returns a list of all supported coin symbols.
func ListSupportedCoins() []string {
	coins := make([]string, 0, len(SupportedCoins))
	for symbol := range SupportedCoins {
		coins = append(coins, symbol)
	}
	return coins
}

// ListCoinsByType returns a list of coins of a specific type.
func ListCoinsByType(coinType CoinType) []string {
	var coins []string
	for symbol, coin := range SupportedCoins {
		if coin.Type == coinType {
			coins = append(coins, symbol)
		}
	}
	return coins
}
