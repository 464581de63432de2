// Package config provides EVM contract addresses for the broker deployment.
//
// ALL EVM contract addresses MUST be defined here. Do not scatter contract
// addresses throughout the codebase.
package config

import "github.com/ethereum/go-ethereum/common"

// EVMContractAddresses holds contract addresses for a specific EVM chain.
type EVMContractAddresses struct {
	// BrokerContract is the deployed Broker contract address used for the
	// atomic recipient/operator/payback split optimization. Zero disables
	// the broker-contract path for that chain; the core still records the
	// three logical QueueItems and sends them as separate transfers.
	BrokerContract common.Address
}

// evmContractRegistry maps chainID -> contract addresses.
var evmContractRegistry = map[uint64]*EVMContractAddresses{
	// ==========================================================================
	// Testnets
	// ==========================================================================

	11155111: { // Ethereum Sepolia
		BrokerContract: common.Address{}, // TODO: deploy
	},
	97: { // BSC Testnet
		BrokerContract: common.Address{}, // TODO: deploy
	},
	80002: { // Polygon Amoy
		BrokerContract: common.Address{},
	},
	421614: { // Arbitrum Sepolia
		BrokerContract: common.Address{},
	},
	11155420: { // Optimism Sepolia
		BrokerContract: common.Address{},
	},
	84532: { // Base Sepolia
		BrokerContract: common.Address{},
	},
	43113: { // Avalanche Fuji
		BrokerContract: common.Address{},
	},

	// ==========================================================================
	// Mainnets (DO NOT DEPLOY UNTIL AUDIT COMPLETE)
	// ==========================================================================

	1:     {BrokerContract: common.Address{}}, // Ethereum Mainnet
	56:    {BrokerContract: common.Address{}}, // BSC Mainnet
	137:   {BrokerContract: common.Address{}}, // Polygon Mainnet
	42161: {BrokerContract: common.Address{}}, // Arbitrum One
	10:    {BrokerContract: common.Address{}}, // Optimism Mainnet
	8453:  {BrokerContract: common.Address{}}, // Base Mainnet
	43114: {BrokerContract: common.Address{}}, // Avalanche C-Chain
}

// GetEVMContracts returns contract addresses for a given chain ID.
// Returns nil if the chain is not registered.
func GetEVMContracts(chainID uint64) *EVMContractAddresses {
	return evmContractRegistry[chainID]
}

// GetBrokerContract returns the Broker contract address for a given chain
// ID. Returns the zero address if the chain is not registered or the
// contract has not been deployed there, which disables the broker-contract
// optimization for that chain.
func GetBrokerContract(chainID uint64) common.Address {
	if contracts := evmContractRegistry[chainID]; contracts != nil {
		return contracts.BrokerContract
	}
	return common.Address{}
}

// IsBrokerDeployed returns true if the Broker contract is deployed on the
// given chain.
func IsBrokerDeployed(chainID uint64) bool {
	return GetBrokerContract(chainID) != (common.Address{})
}

// ListDeployedBrokerChains returns all chain IDs where the Broker contract
// is deployed.
func ListDeployedBrokerChains() []uint64 {
	var chains []uint64
	for chainID, contracts := range evmContractRegistry {
		if contracts.BrokerContract != (common.Address{}) {
			chains = append(chains, chainID)
		}
	}
	return chains
}

// RegisterEVMContracts registers or updates contract addresses for a chain.
// This can be used at runtime to update addresses (e.g. from config file).
func RegisterEVMContracts(chainID uint64, contracts *EVMContractAddresses) {
	evmContractRegistry[chainID] = contracts
}

// SetBrokerContract sets the Broker contract address for a specific chain.
// Creates a new entry if the chain doesn't exist.
func SetBrokerContract(chainID uint64, address common.Address) {
	if evmContractRegistry[chainID] == nil {
		evmContractRegistry[chainID] = &EVMContractAddresses{}
	}
	evmContractRegistry[chainID].BrokerContract = address
}
