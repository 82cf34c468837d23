// Package signer defines the external signing boundary used by wallet
// sessions and the transaction gateway.
//
// A Signer may be backed by a browser wallet bridge, a hardware device or,
// for local development, a raw private key (KeySigner). Callers never see
// key material; they only ask for accounts and signatures.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrDeclined is returned when the user refuses an account or signature request.
	ErrDeclined          = errors.New("signer: request declined")
	ErrInvalidPrivateKey = errors.New("signer: invalid private key")
	ErrUnknownAccount    = errors.New("signer: unknown account")
)

// Signer grants account access and signs transactions on an account's behalf.
type Signer interface {
	// Accounts returns the accounts the user granted, primary first.
	Accounts(ctx context.Context) ([]common.Address, error)
	// SignTx signs tx for chainID as from. It may block until the user decides.
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with a single in-process private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner parses a hex private key (with or without 0x prefix).
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	return FromKey(privateKey), nil
}

// FromKey wraps an already parsed key.
func FromKey(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the signing account.
func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) Accounts(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []common.Address{s.address}, nil
}

func (s *KeySigner) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from != s.address {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("signer: sign: %w", err)
	}
	return signed, nil
}

// Keyring holds several local keys. Accounts lists them in the order given,
// so the first key is the primary account.
type Keyring struct {
	signers []*KeySigner
	byAddr  map[common.Address]*KeySigner
}

var _ Signer = (*Keyring)(nil)

// NewKeyring parses each hex key. At least one key is required.
func NewKeyring(hexKeys ...string) (*Keyring, error) {
	if len(hexKeys) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrInvalidPrivateKey)
	}
	kr := &Keyring{byAddr: make(map[common.Address]*KeySigner, len(hexKeys))}
	for i, k := range hexKeys {
		s, err := NewKeySigner(k)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		if _, dup := kr.byAddr[s.address]; dup {
			continue
		}
		kr.signers = append(kr.signers, s)
		kr.byAddr[s.address] = s
	}
	return kr, nil
}

func (k *Keyring) Accounts(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]common.Address, len(k.signers))
	for i, s := range k.signers {
		out[i] = s.address
	}
	return out, nil
}

func (k *Keyring) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s, ok := k.byAddr[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	return s.SignTx(ctx, from, tx, chainID)
}
