package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrBadAddress rejects a wallet registration that is not a valid
// hex address.
var ErrBadAddress = errors.New("settlement: invalid wallet address")

// WalletDirectory is a mutable AddressBook: parties register the wallet
// their escrow legs settle against.
type WalletDirectory interface {
	AddressBook
	SetWallet(ctx context.Context, partyID, address string) error
}

// MemoryWalletDirectory is the in-memory directory for development and
// tests.
type MemoryWalletDirectory struct {
	mu      sync.RWMutex
	wallets map[string]common.Address
}

// NewMemoryWalletDirectory creates an empty directory.
func NewMemoryWalletDirectory() *MemoryWalletDirectory {
	return &MemoryWalletDirectory{wallets: make(map[string]common.Address)}
}

func (d *MemoryWalletDirectory) WalletAddress(_ context.Context, partyID string) (common.Address, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.wallets[partyID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNoWallet, partyID)
	}
	return addr, nil
}

func (d *MemoryWalletDirectory) SetWallet(_ context.Context, partyID, address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %q", ErrBadAddress, address)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wallets[partyID] = common.HexToAddress(address)
	return nil
}

// PostgresWalletDirectory stores wallets in the party_wallets table.
type PostgresWalletDirectory struct {
	db *sql.DB
}

// NewPostgresWalletDirectory creates a directory using the provided
// database handle.
func NewPostgresWalletDirectory(db *sql.DB) *PostgresWalletDirectory {
	return &PostgresWalletDirectory{db: db}
}

func (d *PostgresWalletDirectory) WalletAddress(ctx context.Context, partyID string) (common.Address, error) {
	var address string
	err := d.db.QueryRowContext(ctx,
		`SELECT address FROM party_wallets WHERE party_id = $1`, partyID).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNoWallet, partyID)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("query wallet: %w", err)
	}
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: stored %q", ErrBadAddress, address)
	}
	return common.HexToAddress(address), nil
}

func (d *PostgresWalletDirectory) SetWallet(ctx context.Context, partyID, address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %q", ErrBadAddress, address)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO party_wallets (party_id, address, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (party_id) DO UPDATE SET address = $2, updated_at = $3`,
		partyID, common.HexToAddress(address).Hex(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert wallet: %w", err)
	}
	return nil
}
