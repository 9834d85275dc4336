package chain

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tradegate/settlement/internal/config"
)

// Well-known hardhat development key; carries no real funds.
const testSignerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

var testNetwork = config.Network{
	Name:           "hardhat",
	ChainID:        31337,
	RPCURL:         "http://localhost:8545",
	NativeCurrency: "ETH",
	Confirmations:  1,
}

// mockEth is a scriptable EthClient.
type mockEth struct {
	mu sync.Mutex

	head        uint64
	receipts    map[common.Hash]*types.Receipt
	sent        []*types.Transaction
	sendErr     error
	callResult  []byte
	callErr     error
	gasPrice    *big.Int
	receiptErrs int // number of initial TransactionReceipt calls that fail

	// buildReceipt mints the receipt for each sent transaction.
	buildReceipt func(hash common.Hash) *types.Receipt
}

func newMockEth() *mockEth {
	return &mockEth{
		head:     100,
		receipts: make(map[common.Hash]*types.Receipt),
		gasPrice: big.NewInt(1_000_000_000),
	}
}

func (m *mockEth) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *mockEth) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (m *mockEth) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 1, nil
}

func (m *mockEth) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return m.gasPrice, nil
}

func (m *mockEth) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 90000, nil
}

func (m *mockEth) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	if m.buildReceipt != nil {
		m.receipts[tx.Hash()] = m.buildReceipt(tx.Hash())
	}
	return nil
}

func (m *mockEth) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErrs > 0 {
		m.receiptErrs--
		return nil, ethereum.NotFound
	}
	r, ok := m.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (m *mockEth) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.callErr != nil {
		return nil, m.callErr
	}
	return m.callResult, nil
}

func (m *mockEth) Close() {}

var _ EthClient = (*mockEth)(nil)

func newTestGateway(t *testing.T, eth *mockEth) *EscrowGateway {
	t.Helper()
	client, err := NewClient(testNetwork, WithEthClient(eth))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	signer, err := NewSigner(testSignerKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	gw, err := NewEscrowGateway(client, signer, GatewayConfig{
		ContractAddress: testContract,
		TokenDecimals:   6,
	})
	if err != nil {
		t.Fatalf("NewEscrowGateway: %v", err)
	}
	return gw
}

func fastPolling(t *testing.T) {
	t.Helper()
	oldInterval, oldTimeout := ReceiptPollInterval, DefaultConfirmationTimeout
	ReceiptPollInterval = 5 * time.Millisecond
	DefaultConfirmationTimeout = 2 * time.Second
	t.Cleanup(func() {
		ReceiptPollInterval = oldInterval
		DefaultConfirmationTimeout = oldTimeout
	})
}
