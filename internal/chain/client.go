// Package chain wraps the JSON-RPC connection to a ledger network and the
// typed binding to the on-chain escrow contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tradegate/settlement/internal/config"
)

// Vars rather than consts so tests can shorten the waits.
var (
	// ReceiptPollInterval between receipt checks while waiting for confirmation.
	ReceiptPollInterval = 2 * time.Second

	// DefaultConfirmationTimeout bounds a single WaitForConfirmation call.
	DefaultConfirmationTimeout = 2 * time.Minute
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Signer is a resolved operational key: the private key plus its address.
type Signer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// NewSigner derives a Signer from a hex-encoded private key
// (with or without 0x prefix).
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignerKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidSignerKey)
	}
	return &Signer{Key: key, Address: crypto.PubkeyToAddress(*pub)}, nil
}

// Client is a stateless wrapper around a JSON-RPC connection to one
// configured network. All reads are idempotent and side-effect-free.
// Clients are explicitly constructed and injected; there is no shared
// global provider state.
type Client struct {
	eth     EthClient
	network config.Network
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithEthClient sets a custom RPC client (useful for testing).
func WithEthClient(eth EthClient) ClientOption {
	return func(c *Client) {
		c.eth = eth
	}
}

// NewClient connects to the network's RPC endpoint.
func NewClient(network config.Network, opts ...ClientOption) (*Client, error) {
	c := &Client{network: network}
	for _, opt := range opts {
		opt(c)
	}
	if c.eth == nil {
		eth, err := ethclient.Dial(network.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrChainUnavailable, network.RPCURL, err)
		}
		c.eth = eth
	}
	return c, nil
}

// Network returns the network this client is bound to.
func (c *Client) Network() config.Network {
	return c.network
}

// BlockNumber returns the current block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", ErrChainUnavailable, err)
	}
	return n, nil
}

// GasPrice returns the suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	p, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrChainUnavailable, err)
	}
	return p, nil
}

// Balance returns the native-currency balance of an address.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	b, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %v", ErrChainUnavailable, addr.Hex(), err)
	}
	return b, nil
}

// Receipt returns the receipt for a transaction hash, or an error if the
// transaction is not yet mined.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: receipt %s: %v", ErrChainUnavailable, txHash.Hex(), err)
	}
	return r, nil
}

// WaitForConfirmation blocks until the transaction has been mined and
// buried under minConfirmations blocks, then re-reads the receipt to
// guard against a reorg having dropped it. Fails with
// ErrConfirmationTimeout when the wait budget is exhausted; a timeout
// does not imply the on-chain effect did not happen.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash common.Hash, minConfirmations uint64) (*types.Receipt, error) {
	if minConfirmations == 0 {
		minConfirmations = 1
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", ErrConfirmationTimeout, txHash.Hex())
			}
			return nil, ctx.Err()

		case <-ticker.C:
			if receipt == nil {
				r, err := c.eth.TransactionReceipt(ctx, txHash)
				if err != nil {
					// Not yet mined, keep polling.
					continue
				}
				receipt = r
			}

			head, err := c.eth.BlockNumber(ctx)
			if err != nil {
				continue
			}
			if head < receipt.BlockNumber.Uint64()+minConfirmations-1 {
				continue
			}

			// Depth reached. Re-read the receipt: a reorg may have
			// moved or dropped the transaction since the first read.
			fresh, err := c.eth.TransactionReceipt(ctx, txHash)
			if err != nil {
				receipt = nil
				continue
			}
			if fresh.BlockNumber.Cmp(receipt.BlockNumber) != 0 {
				receipt = fresh
				continue
			}
			return fresh, nil
		}
	}
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}
