// Package wallet loads the payer keypair and builds payment transfer
// transactions. The secret key is read once at construction and never
// rewritten.
package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/moltydex/x402-autopay/types"
)

// Config selects the key material source. Exactly one of KeygenFile,
// SecretKeyBase58, or SecretKey must be set.
type Config struct {
	// KeygenFile is a Solana keygen JSON file (an array of key bytes).
	KeygenFile string

	// SecretKeyBase58 is the secret key as a base58 string.
	SecretKeyBase58 string

	// SecretKey is the raw secret key bytes.
	SecretKey []byte

	// ExpectedAddress, when set, is checked against the derived public
	// key; a mismatch fails construction.
	ExpectedAddress string
}

// Wallet holds the payer keypair and an RPC handle for transaction
// assembly. Read-only after construction; safe for concurrent use.
type Wallet struct {
	key solana.PrivateKey
	rpc *rpc.Client
}

// Load resolves the secret key from whichever source the config
// provides and verifies the derived address when one is expected.
func Load(cfg Config, rpcClient *rpc.Client) (*Wallet, error) {
	var (
		key solana.PrivateKey
		err error
	)
	switch {
	case len(cfg.SecretKey) > 0:
		if len(cfg.SecretKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("secret key is %d bytes, want %d", len(cfg.SecretKey), ed25519.PrivateKeySize)
		}
		key = solana.PrivateKey(cfg.SecretKey)
	case cfg.SecretKeyBase58 != "":
		key, err = solana.PrivateKeyFromBase58(cfg.SecretKeyBase58)
		if err != nil {
			return nil, fmt.Errorf("invalid base58 secret key: %w", err)
		}
	case cfg.KeygenFile != "":
		key, err = solana.PrivateKeyFromSolanaKeygenFile(cfg.KeygenFile)
		if err != nil {
			return nil, fmt.Errorf("load keygen file %s: %w", cfg.KeygenFile, err)
		}
	default:
		return nil, errors.New("wallet config must provide KeygenFile, SecretKeyBase58, or SecretKey")
	}

	if cfg.ExpectedAddress != "" && key.PublicKey().String() != cfg.ExpectedAddress {
		return nil, fmt.Errorf("wallet address mismatch: expected %s, derived %s",
			cfg.ExpectedAddress, key.PublicKey())
	}

	return &Wallet{key: key, rpc: rpcClient}, nil
}

// Address returns the wallet's public key as a base58 string.
func (w *Wallet) Address() string {
	return w.key.PublicKey().String()
}

// PublicKey returns the wallet's public key.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

// PrivateKeyFor returns the private key when the requested signer is
// this wallet, nil otherwise. Matches the signer callback shape used
// by transaction signing.
func (w *Wallet) PrivateKeyFor(key solana.PublicKey) *solana.PrivateKey {
	if key.Equals(w.key.PublicKey()) {
		k := w.key
		return &k
	}
	return nil
}

// BuildPaymentTransaction assembles an unsigned transfer of amount
// smallest units of mint to recipient. The native mint becomes a
// system transfer; any other mint becomes an SPL token transfer,
// creating the recipient's associated token account when it does not
// exist yet.
func (w *Wallet) BuildPaymentTransaction(ctx context.Context, recipient, mint string, amount *big.Int) (*types.UnsignedTransaction, error) {
	if !amount.IsUint64() {
		return nil, fmt.Errorf("payment amount %s exceeds uint64 range", amount)
	}
	recipientPub, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", recipient, err)
	}

	var instrs []solana.Instruction
	if mint == "" || mint == types.NativeMint {
		instrs = append(instrs, system.NewTransferInstruction(
			amount.Uint64(),
			w.PublicKey(),
			recipientPub,
		).Build())
	} else {
		mintPub, err := solana.PublicKeyFromBase58(mint)
		if err != nil {
			return nil, fmt.Errorf("invalid token mint %q: %w", mint, err)
		}

		source, _, err := solana.FindAssociatedTokenAddress(w.PublicKey(), mintPub)
		if err != nil {
			return nil, fmt.Errorf("derive source token account: %w", err)
		}
		dest, _, err := solana.FindAssociatedTokenAddress(recipientPub, mintPub)
		if err != nil {
			return nil, fmt.Errorf("derive recipient token account: %w", err)
		}

		if _, err := w.rpc.GetAccountInfo(ctx, source); err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return nil, fmt.Errorf("no token account for mint %s: receive tokens first or create the account", mint)
			}
			return nil, fmt.Errorf("check source token account: %w", err)
		}

		if _, err := w.rpc.GetAccountInfo(ctx, dest); err != nil {
			if !errors.Is(err, rpc.ErrNotFound) {
				return nil, fmt.Errorf("check recipient token account: %w", err)
			}
			// Recipient has no token account yet; we pay for creation.
			instrs = append(instrs, associatedtokenaccount.NewCreateInstruction(
				w.PublicKey(),
				recipientPub,
				mintPub,
			).Build())
		}

		instrs = append(instrs, token.NewTransferInstruction(
			amount.Uint64(),
			source,
			dest,
			w.PublicKey(),
			nil,
		).Build())
	}

	recent, err := w.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("fetch recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instrs, recent.Value.Blockhash, solana.TransactionPayer(w.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("assemble payment transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize payment transaction: %w", err)
	}

	return &types.UnsignedTransaction{Payload: base64.StdEncoding.EncodeToString(raw)}, nil
}
