package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestNewKeySigner(t *testing.T) {
	s, err := NewKeySigner(testKey)
	require.NoError(t, err)

	prefixed, err := NewKeySigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), prefixed.Address())

	_, err = NewKeySigner("tooshort")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = NewKeySigner("zz23456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestKeySigner_Accounts(t *testing.T) {
	s, err := NewKeySigner(testKey)
	require.NoError(t, err)

	accounts, err := s.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, s.Address(), accounts[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Accounts(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeySigner_SignTx(t *testing.T) {
	s, err := NewKeySigner(testKey)
	require.NoError(t, err)

	chainID := big.NewInt(1337)
	tx := types.NewContractCreation(0, big.NewInt(1), 100000, big.NewInt(1), []byte{0x60})

	signed, err := s.SignTx(context.Background(), s.Address(), tx, chainID)
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), sender)
}

func TestKeySigner_SignTxUnknownAccount(t *testing.T) {
	s, err := NewKeySigner(testKey)
	require.NoError(t, err)

	tx := types.NewContractCreation(0, big.NewInt(1), 100000, big.NewInt(1), nil)
	_, err = s.SignTx(context.Background(), common.HexToAddress("0x01"), tx, big.NewInt(1))
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestKeyring(t *testing.T) {
	other := "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"
	kr, err := NewKeyring(testKey, other, testKey)
	require.NoError(t, err)

	primary, _ := NewKeySigner(testKey)
	second, _ := NewKeySigner(other)

	accounts, err := kr.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{primary.Address(), second.Address()}, accounts, "duplicates dropped, order kept")

	chainID := big.NewInt(31337)
	tx := types.NewTransaction(0, common.HexToAddress("0x02"), big.NewInt(0), 21000, big.NewInt(1), nil)
	signed, err := kr.SignTx(context.Background(), second.Address(), tx, chainID)
	require.NoError(t, err)
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, second.Address(), sender)

	_, err = kr.SignTx(context.Background(), common.HexToAddress("0x03"), tx, chainID)
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = NewKeyring()
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
	_, err = NewKeyring(testKey, "bad")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}
