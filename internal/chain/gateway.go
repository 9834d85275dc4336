package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/tradegate/settlement/internal/money"
)

// Escrow contract ABI: creation, settlement, and read surface, plus the
// events the gateway parses out of receipts.
const escrowABI = `[
	{"inputs":[{"name":"buyer","type":"address"},{"name":"supplier","type":"address"},{"name":"amount","type":"uint256"}],"name":"createEscrow","outputs":[{"name":"escrowId","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"releasePayment","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"refundBuyer","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"getEscrowStatus","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"getEscrowDetails","outputs":[{"name":"buyer","type":"address"},{"name":"supplier","type":"address"},{"name":"amount","type":"uint256"},{"name":"status","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":true,"name":"buyer","type":"address"},{"indexed":true,"name":"supplier","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"EscrowCreated","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":true,"name":"supplier","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"PaymentReleased","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":true,"name":"buyer","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"PaymentRefunded","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"}],"name":"EscrowDisputed","type":"event"}
]`

// DefaultGasLimit is used when gas estimation fails.
const DefaultGasLimit = uint64(200000)

// EscrowState is the domain view of the contract's status code.
type EscrowState string

const (
	EscrowCreated  EscrowState = "created"
	EscrowActive   EscrowState = "active"
	EscrowReleased EscrowState = "released"
	EscrowRefunded EscrowState = "refunded"
	EscrowDisputed EscrowState = "disputed"
	EscrowUnknown  EscrowState = "unknown"
)

// EscrowStatus maps the contract's integer status code to the domain
// enum while preserving the raw code. An unrecognized code maps to
// EscrowUnknown rather than erroring: this is a monitoring safety valve
// that lets drift be detected without crashing callers.
type EscrowStatus struct {
	State EscrowState `json:"state"`
	Code  uint8       `json:"code"`
}

// Terminal reports whether the on-chain escrow can no longer move funds.
func (s EscrowStatus) Terminal() bool {
	return s.State == EscrowReleased || s.State == EscrowRefunded
}

func statusFromCode(code uint8) EscrowStatus {
	st := EscrowStatus{Code: code}
	switch code {
	case 0:
		st.State = EscrowCreated
	case 1:
		st.State = EscrowActive
	case 2:
		st.State = EscrowReleased
	case 3:
		st.State = EscrowRefunded
	case 4:
		st.State = EscrowDisputed
	default:
		st.State = EscrowUnknown
	}
	return st
}

// CreateResult is the outcome of a confirmed escrow creation.
type CreateResult struct {
	EscrowID    *big.Int `json:"escrowId"`
	TxHash      string   `json:"txHash"`
	BlockNumber uint64   `json:"blockNumber"`
}

// TxResult is the outcome of a confirmed release or refund.
type TxResult struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// EscrowDetails mirrors the contract's per-escrow record.
type EscrowDetails struct {
	EscrowID *big.Int        `json:"escrowId"`
	Buyer    common.Address  `json:"buyer"`
	Supplier common.Address  `json:"supplier"`
	Amount   decimal.Decimal `json:"amount"`
	Status   EscrowStatus    `json:"status"`
}

// GasAction names a mutating contract call for estimation purposes.
type GasAction string

const (
	ActionCreateEscrow   GasAction = "createEscrow"
	ActionReleasePayment GasAction = "releasePayment"
	ActionRefundBuyer    GasAction = "refundBuyer"
)

// GasEstimate is a projected cost for a contract call. It never blocks
// a transition; it is surfaced to callers before submission.
type GasEstimate struct {
	GasUnits   uint64          `json:"gasUnits"`
	GasPrice   *big.Int        `json:"gasPrice"`
	NativeCost decimal.Decimal `json:"nativeCost"` // in the network's native currency
	Currency   string          `json:"currency"`
}

// EscrowGateway is the typed binding to the on-chain escrow contract.
// It is the only place contract calldata is encoded and contract events
// are decoded. The operational signer is a serially-used credential:
// submissions through this gateway are serialized.
type EscrowGateway struct {
	client   *Client
	signer   *Signer
	contract common.Address
	abi      abi.ABI
	decimals int

	// Guards nonce acquisition and submission for the operational key.
	submitMu sync.Mutex
}

// GatewayConfig configures the escrow gateway.
type GatewayConfig struct {
	ContractAddress string // empty leaves the gateway unconfigured
	TokenDecimals   int
}

// NewEscrowGateway creates a gateway bound to the given client and
// operational signer. A nil signer or empty contract address produces a
// gateway in unconfigured mode: reads work where possible, mutating
// calls fail fast with ErrNotConfigured.
func NewEscrowGateway(client *Client, signer *Signer, cfg GatewayConfig) (*EscrowGateway, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	g := &EscrowGateway{
		client:   client,
		signer:   signer,
		abi:      parsed,
		decimals: cfg.TokenDecimals,
	}
	if cfg.ContractAddress != "" {
		if !common.IsHexAddress(cfg.ContractAddress) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, cfg.ContractAddress)
		}
		g.contract = common.HexToAddress(cfg.ContractAddress)
	}
	return g, nil
}

// Configured reports whether the gateway can submit mutating calls.
func (g *EscrowGateway) Configured() bool {
	return g.contract != (common.Address{}) && g.signer != nil
}

func (g *EscrowGateway) requireConfigured() error {
	if !g.Configured() {
		return ErrNotConfigured
	}
	return nil
}

// CreateEscrow submits the creation call, waits for the confirmed
// receipt, and recovers the on-chain escrow id from the EscrowCreated
// event. Callers must not treat the escrow as held without this success.
func (g *EscrowGateway) CreateEscrow(ctx context.Context, buyer, supplier common.Address, amount decimal.Decimal) (*CreateResult, error) {
	if err := g.requireConfigured(); err != nil {
		return nil, err
	}

	units, err := money.ToUnits(amount, g.decimals)
	if err != nil {
		return nil, &CallError{Op: "createEscrow", Err: err}
	}

	data, err := g.abi.Pack("createEscrow", buyer, supplier, units)
	if err != nil {
		return nil, &CallError{Op: "createEscrow", Err: err}
	}

	receipt, txHash, err := g.submit(ctx, data)
	if err != nil {
		return nil, &CallError{Op: "createEscrow", TxHash: txHash, Err: err}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, &CallError{Op: "createEscrow", TxHash: txHash, Err: ErrEscrowCreationFailed}
	}

	escrowID, ok := g.parseEscrowCreated(receipt)
	if !ok {
		// A successful receipt without the creation event means the call
		// did not do what we asked. Treat as failure.
		return nil, &CallError{Op: "createEscrow", TxHash: txHash, Err: ErrEscrowCreationFailed}
	}

	return &CreateResult{
		EscrowID:    escrowID,
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// ReleasePayment releases the escrowed funds to the supplier. Only the
// platform's operational signer may call this; buyer and supplier keys
// never touch the contract through this service.
func (g *EscrowGateway) ReleasePayment(ctx context.Context, escrowID *big.Int) (*TxResult, error) {
	return g.settle(ctx, "releasePayment", escrowID, ErrReleaseFailed)
}

// RefundBuyer returns the escrowed funds to the buyer. Mutually
// exclusive with ReleasePayment for a given escrow: the contract rejects
// the second settlement.
func (g *EscrowGateway) RefundBuyer(ctx context.Context, escrowID *big.Int) (*TxResult, error) {
	return g.settle(ctx, "refundBuyer", escrowID, ErrRefundFailed)
}

func (g *EscrowGateway) settle(ctx context.Context, method string, escrowID *big.Int, failure error) (*TxResult, error) {
	if err := g.requireConfigured(); err != nil {
		return nil, err
	}

	data, err := g.abi.Pack(method, escrowID)
	if err != nil {
		return nil, &CallError{Op: method, Err: err}
	}

	receipt, txHash, err := g.submit(ctx, data)
	if err != nil {
		return nil, &CallError{Op: method, TxHash: txHash, Err: err}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, &CallError{Op: method, TxHash: txHash, Err: failure}
	}

	return &TxResult{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// GetStatus maps the contract's integer status code to the domain enum.
func (g *EscrowGateway) GetStatus(ctx context.Context, escrowID *big.Int) (EscrowStatus, error) {
	if g.contract == (common.Address{}) {
		return EscrowStatus{}, ErrNotConfigured
	}

	data, err := g.abi.Pack("getEscrowStatus", escrowID)
	if err != nil {
		return EscrowStatus{}, &CallError{Op: "getEscrowStatus", Err: err}
	}

	out, err := g.call(ctx, data)
	if err != nil {
		return EscrowStatus{}, err
	}

	var code uint8
	if err := g.abi.UnpackIntoInterface(&code, "getEscrowStatus", out); err != nil {
		return EscrowStatus{}, &CallError{Op: "getEscrowStatus", Err: err}
	}
	return statusFromCode(code), nil
}

// GetDetails reads the full on-chain escrow record.
func (g *EscrowGateway) GetDetails(ctx context.Context, escrowID *big.Int) (*EscrowDetails, error) {
	if g.contract == (common.Address{}) {
		return nil, ErrNotConfigured
	}

	data, err := g.abi.Pack("getEscrowDetails", escrowID)
	if err != nil {
		return nil, &CallError{Op: "getEscrowDetails", Err: err}
	}

	out, err := g.call(ctx, data)
	if err != nil {
		return nil, err
	}

	vals, err := g.abi.Unpack("getEscrowDetails", out)
	if err != nil || len(vals) != 4 {
		return nil, &CallError{Op: "getEscrowDetails", Err: fmt.Errorf("malformed response: %v", err)}
	}

	buyer, _ := vals[0].(common.Address)
	supplier, _ := vals[1].(common.Address)
	amountUnits, _ := vals[2].(*big.Int)
	code, _ := vals[3].(uint8)

	return &EscrowDetails{
		EscrowID: escrowID,
		Buyer:    buyer,
		Supplier: supplier,
		Amount:   money.FromUnits(amountUnits, g.decimals),
		Status:   statusFromCode(code),
	}, nil
}

// EstimateGasCost projects the cost of a mutating call without
// submitting it. Pure read; estimation failure never blocks a
// transition, the caller just loses the preview.
func (g *EscrowGateway) EstimateGasCost(ctx context.Context, action GasAction, buyer, supplier common.Address, amount decimal.Decimal, escrowID *big.Int) (*GasEstimate, error) {
	if g.contract == (common.Address{}) {
		return nil, ErrNotConfigured
	}

	var (
		data []byte
		err  error
	)
	switch action {
	case ActionCreateEscrow:
		var units *big.Int
		units, err = money.ToUnits(amount, g.decimals)
		if err == nil {
			data, err = g.abi.Pack("createEscrow", buyer, supplier, units)
		}
	case ActionReleasePayment:
		data, err = g.abi.Pack("releasePayment", escrowID)
	case ActionRefundBuyer:
		data, err = g.abi.Pack("refundBuyer", escrowID)
	default:
		err = fmt.Errorf("unknown gas action %q", action)
	}
	if err != nil {
		return nil, &CallError{Op: "estimateGas", Err: err}
	}

	from := common.Address{}
	if g.signer != nil {
		from = g.signer.Address
	}

	gasUnits, err := g.client.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &g.contract,
		Data: data,
	})
	if err != nil {
		gasUnits = DefaultGasLimit
	}

	gasPrice, err := g.client.GasPrice(ctx)
	if err != nil {
		return nil, err
	}

	// cost = gasUnits * gasPrice, denominated in the 18-decimal native currency.
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gasUnits), gasPrice)
	return &GasEstimate{
		GasUnits:   gasUnits,
		GasPrice:   gasPrice,
		NativeCost: money.FromUnits(wei, 18),
		Currency:   g.client.Network().NativeCurrency,
	}, nil
}

// submit signs and sends a contract call, then waits for the configured
// confirmation depth. Serialized per gateway: the operational key's
// nonce sequence must not interleave.
func (g *EscrowGateway) submit(ctx context.Context, data []byte) (*types.Receipt, string, error) {
	g.submitMu.Lock()
	defer g.submitMu.Unlock()

	eth := g.client.eth

	nonce, err := eth.PendingNonceAt(ctx, g.signer.Address)
	if err != nil {
		return nil, "", fmt.Errorf("%w: nonce: %v", ErrChainUnavailable, err)
	}

	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: gas price: %v", ErrChainUnavailable, err)
	}

	gasLimit, err := eth.EstimateGas(ctx, ethereum.CallMsg{
		From: g.signer.Address,
		To:   &g.contract,
		Data: data,
	})
	if err != nil {
		// Use default if estimation fails.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(g.client.Network().ChainID)), g.signer.Key)
	if err != nil {
		return nil, "", err
	}
	txHash := signedTx.Hash().Hex()

	if err := eth.SendTransaction(ctx, signedTx); err != nil {
		return nil, txHash, fmt.Errorf("%w: send: %v", ErrChainUnavailable, err)
	}

	receipt, err := g.client.WaitForConfirmation(ctx, signedTx.Hash(), g.client.Network().Confirmations)
	if err != nil {
		return nil, txHash, err
	}
	return receipt, txHash, nil
}

func (g *EscrowGateway) call(ctx context.Context, data []byte) ([]byte, error) {
	out, err := g.client.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &g.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call: %v", ErrChainUnavailable, err)
	}
	return out, nil
}

// ParseEscrowID parses the ledger's decimal escrow identifier.
func ParseEscrowID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed escrow id %q", s)
	}
	return id, nil
}

// parseEscrowCreated scans receipt logs for the EscrowCreated event and
// returns the indexed escrow id.
func (g *EscrowGateway) parseEscrowCreated(receipt *types.Receipt) (*big.Int, bool) {
	createdSig := g.abi.Events["EscrowCreated"].ID
	for _, vLog := range receipt.Logs {
		if vLog.Address != g.contract {
			continue
		}
		if len(vLog.Topics) < 2 || vLog.Topics[0] != createdSig {
			continue
		}
		return new(big.Int).SetBytes(vLog.Topics[1].Bytes()), true
	}
	return nil, false
}
