// internal/wallet/wallet.go
package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Wallet is the operator keypair that signs every copy trade.
type Wallet struct {
	PrivateKey solana.PrivateKey
	PublicKey  solana.PublicKey

	mu       sync.Mutex
	ataCache map[string]solana.PublicKey
}

// NewWallet creates a wallet from a base58 encoded 64-byte secret key.
func NewWallet(privateKeyBase58 string) (*Wallet, error) {
	privateKeyBytes, err := base58.Decode(strings.TrimSpace(privateKeyBase58))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(privateKeyBytes) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 bytes, got %d", len(privateKeyBytes))
	}
	return fromKey(solana.PrivateKey(privateKeyBytes)), nil
}

// Load resolves the operator key. A value that names an existing file is read
// as a solana-keygen JSON keypair; anything else is treated as base58.
func Load(value string) (*Wallet, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("private key is not configured")
	}
	path := filepath.Clean(value)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read keypair file: %w", err)
		}
		return fromKey(key), nil
	}
	return NewWallet(value)
}

func fromKey(key solana.PrivateKey) *Wallet {
	return &Wallet{
		PrivateKey: key,
		PublicKey:  key.PublicKey(),
		ataCache:   make(map[string]solana.PublicKey),
	}
}

// SignTransaction signs every signer slot that belongs to this wallet.
func (w *Wallet) SignTransaction(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.PublicKey) {
			return &w.PrivateKey
		}
		return nil
	})
	return err
}

// ATA returns the associated token account for mint, cached after the first call.
func (w *Wallet) ATA(mint string) (solana.PublicKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ata, ok := w.ataCache[mint]; ok {
		return ata, nil
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid mint %s: %w", mint, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(w.PublicKey, mintKey)
	if err != nil {
		return solana.PublicKey{}, err
	}
	w.ataCache[mint] = ata
	return ata, nil
}

// Address returns the base58 public key.
func (w *Wallet) Address() string {
	return w.PublicKey.String()
}

func (w *Wallet) String() string {
	return w.PublicKey.String()
}
