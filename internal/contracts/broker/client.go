// Package broker provides a Go client for the on-chain Broker contract: an
// EVM-only optimization that atomically splits one inbound call into a
// recipient transfer, an operator commission transfer, and a payback
// refund, collapsing what would otherwise be three separate queue items
// into a single transaction. The core never requires this path — on
// chains without a configured Broker contract the EVM adapter's
// chainadapter.EVMBrokerAdapter methods return an error, and the three
// logical outputs are sent as ordinary transfers instead.
package broker

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// brokerABIJSON is the subset of the Broker contract this client calls.
// swap and revert both take the same split layout; revert sends the
// recipient leg back to the depositor instead of the counterparty.
const brokerABIJSON = `[
	{"type":"function","name":"swap","stateMutability":"payable","inputs":[
		{"name":"asset","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"recipientAmount","type":"uint256"},
		{"name":"operator","type":"address"},
		{"name":"operatorAmount","type":"uint256"},
		{"name":"payback","type":"address"},
		{"name":"paybackAmount","type":"uint256"}
	],"outputs":[]},
	{"type":"function","name":"revert","stateMutability":"payable","inputs":[
		{"name":"asset","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"recipientAmount","type":"uint256"},
		{"name":"operator","type":"address"},
		{"name":"operatorAmount","type":"uint256"},
		{"name":"payback","type":"address"},
		{"name":"paybackAmount","type":"uint256"}
	],"outputs":[]}
]`

// nativeAsset is the sentinel address the contract treats as "native
// token, not an ERC20" (address(0)).
var nativeAsset = common.Address{}

// Client wraps a deployed Broker contract.
type Client struct {
	eth     *ethclient.Client
	abi     abi.ABI
	address common.Address
	chainID *big.Int
}

// Dial connects to an EVM node and binds to a deployed Broker contract.
func Dial(ctx context.Context, rpcURL string, address common.Address) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("broker: dial %s: %w", rpcURL, err)
	}
	parsed, err := abi.JSON(stringsReader(brokerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("broker: parse abi: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: chain id: %w", err)
	}
	return &Client{eth: eth, abi: parsed, address: address, chainID: chainID}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }

// Address returns the bound contract address.
func (c *Client) Address() common.Address { return c.address }

// Split describes the three-way division of one inbound escrow balance.
type Split struct {
	Asset           common.Address // nativeAsset for ETH/BNB/etc, ERC20 address otherwise
	Recipient       common.Address
	RecipientAmount *big.Int
	Operator        common.Address
	OperatorAmount  *big.Int
	Payback         common.Address
	PaybackAmount   *big.Int
}

// NativeAsset exposes the address(0) sentinel so callers can build a
// Split for the chain's native token without reaching into this
// package's internals.
func NativeAsset() common.Address { return nativeAsset }

// totalValue is the native msg.value to attach when Asset is native;
// zero (and a prior ERC20 approve) otherwise.
func (s Split) totalValue() *big.Int {
	if s.Asset != nativeAsset {
		return big.NewInt(0)
	}
	total := new(big.Int).Add(s.RecipientAmount, s.OperatorAmount)
	return total.Add(total, s.PaybackAmount)
}

// Swap calls swap(), splitting the escrow into recipient/operator/payback
// in one transaction. The caller supplies nonce and gas price so the
// queue worker's own nonce reservation and gas-bump retry stay in
// control; this client never manages nonces itself.
func (c *Client) Swap(ctx context.Context, privKey *ecdsa.PrivateKey, nonce uint64, gasLimit uint64, gasPrice *big.Int, s Split) (*types.Transaction, error) {
	return c.call(ctx, privKey, nonce, gasLimit, gasPrice, "swap", s)
}

// Revert calls revert(), sending the recipient leg back to the original
// depositor (payback) instead of the counterparty.
func (c *Client) Revert(ctx context.Context, privKey *ecdsa.PrivateKey, nonce uint64, gasLimit uint64, gasPrice *big.Int, s Split) (*types.Transaction, error) {
	return c.call(ctx, privKey, nonce, gasLimit, gasPrice, "revert", s)
}

func (c *Client) call(ctx context.Context, privKey *ecdsa.PrivateKey, nonce uint64, gasLimit uint64, gasPrice *big.Int, method string, s Split) (*types.Transaction, error) {
	data, err := c.abi.Pack(method, s.Asset, s.Recipient, s.RecipientAmount, s.Operator, s.OperatorAmount, s.Payback, s.PaybackAmount)
	if err != nil {
		return nil, fmt.Errorf("broker: pack %s: %w", method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    s.totalValue(),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), privKey)
	if err != nil {
		return nil, fmt.Errorf("broker: sign %s: %w", method, err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broker: send %s: %w", method, err)
	}
	return signed, nil
}

// EstimateGas estimates the gas cost of a swap/revert call without
// sending it, used to size the gas limit before submitting.
func (c *Client) EstimateGas(ctx context.Context, from common.Address, method string, s Split) (uint64, error) {
	data, err := c.abi.Pack(method, s.Asset, s.Recipient, s.RecipientAmount, s.Operator, s.OperatorAmount, s.Payback, s.PaybackAmount)
	if err != nil {
		return 0, fmt.Errorf("broker: pack %s: %w", method, err)
	}
	msg := callMsg(from, c.address, s.totalValue(), data)
	return c.eth.EstimateGas(ctx, msg)
}

// AddressFromPrivateKey derives the EVM address of a private key so
// callers don't need to import go-ethereum/crypto directly.
func AddressFromPrivateKey(privKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privKey.PublicKey)
}
