package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/ethescrow/internal/contract"
)

// ErrInsufficientFunds mirrors the node-side pre-inclusion rejection.
var ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")

// Escrow is the state the Ledger keeps for a deployed escrow contract.
type Escrow struct {
	Depositor   common.Address
	Arbiter     common.Address
	Beneficiary common.Address
	Approved    bool
}

// Ledger is an in-memory EVM ledger double. It verifies signatures and
// nonces, holds balances, and understands the escrow contract well enough
// to deploy it, answer its view calls, and execute approve().
//
// It satisfies gateway.Client, session.Client and contract.Caller.
type Ledger struct {
	mu sync.Mutex

	chainID  *big.Int
	block    uint64
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	escrows  map[common.Address]*Escrow
	receipts map[common.Hash]*types.Receipt
	pending  []*types.Transaction
	sent     []*types.Transaction
	logs     []types.Log
	heads    map[*headSub]struct{}
	calls    int

	autoMine       bool
	sendErr        error
	revert         func(*types.Transaction) bool
	suppressEvents bool
	balanceErr     error
}

// NewLedger creates a ledger at block 1 that mines every transaction as
// soon as it is sent.
func NewLedger(chainID int64) *Ledger {
	return &Ledger{
		chainID:  big.NewInt(chainID),
		block:    1,
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		escrows:  make(map[common.Address]*Escrow),
		receipts: make(map[common.Hash]*types.Receipt),
		heads:    make(map[*headSub]struct{}),
		autoMine: true,
	}
}

// ChainID returns the chain the ledger verifies signatures against.
func (l *Ledger) ChainID() *big.Int { return new(big.Int).Set(l.chainID) }

// -----------------------------------------------------------------------------
// Knobs
// -----------------------------------------------------------------------------

// SetAutoMine controls whether sent transactions are mined immediately.
func (l *Ledger) SetAutoMine(on bool) {
	l.mu.Lock()
	l.autoMine = on
	l.mu.Unlock()
}

// SetSendErr makes SendTransaction fail with err (nil clears).
func (l *Ledger) SetSendErr(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

// SetRevert makes matching transactions mine with a failed status.
func (l *Ledger) SetRevert(fn func(*types.Transaction) bool) {
	l.mu.Lock()
	l.revert = fn
	l.mu.Unlock()
}

// SuppressApprovedEvent makes approve() succeed without emitting Approved.
func (l *Ledger) SuppressApprovedEvent(on bool) {
	l.mu.Lock()
	l.suppressEvents = on
	l.mu.Unlock()
}

// SetBalanceErr makes BalanceAt fail with err (nil clears).
func (l *Ledger) SetBalanceErr(err error) {
	l.mu.Lock()
	l.balanceErr = err
	l.mu.Unlock()
}

// SetBalance credits addr with exactly amount wei.
func (l *Ledger) SetBalance(addr common.Address, amount *big.Int) {
	l.mu.Lock()
	l.balances[addr] = new(big.Int).Set(amount)
	l.mu.Unlock()
}

// AddEscrow installs an escrow at addr without a deployment transaction.
func (l *Ledger) AddEscrow(addr common.Address, e Escrow, value *big.Int) {
	l.mu.Lock()
	cp := e
	l.escrows[addr] = &cp
	l.balances[addr] = new(big.Int).Set(value)
	l.mu.Unlock()
}

// ApproveOutOfBand marks an escrow approved as if by another client.
func (l *Ledger) ApproveOutOfBand(addr common.Address) {
	l.mu.Lock()
	if e, ok := l.escrows[addr]; ok {
		e.Approved = true
	}
	l.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// Sent returns every transaction accepted by SendTransaction.
func (l *Ledger) Sent() []*types.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*types.Transaction, len(l.sent))
	copy(out, l.sent)
	return out
}

// Calls returns how many client methods were invoked.
func (l *Ledger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// EscrowAt returns the escrow state at addr.
func (l *Ledger) EscrowAt(addr common.Address) (Escrow, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrows[addr]
	if !ok {
		return Escrow{}, false
	}
	return *e, true
}

// Block returns the current block number.
func (l *Ledger) Block() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block
}

// -----------------------------------------------------------------------------
// Mining
// -----------------------------------------------------------------------------

// Mine includes every pending transaction in one new block.
func (l *Ledger) Mine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return
	}
	l.block++
	for _, tx := range l.pending {
		l.include(tx)
	}
	l.pending = nil
	l.notifyHead()
}

// AdvanceBlock produces an empty block.
func (l *Ledger) AdvanceBlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block++
	l.notifyHead()
}

func (l *Ledger) signer() types.Signer {
	return types.LatestSignerForChainID(l.chainID)
}

// include executes tx in the current block. Caller holds l.mu.
func (l *Ledger) include(tx *types.Transaction) {
	from, _ := types.Sender(l.signer(), tx)
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(l.block),
		GasUsed:     21000,
	}

	failed := l.revert != nil && l.revert(tx)

	switch {
	case failed:
	case tx.To() == nil:
		addr := crypto.CreateAddress(from, tx.Nonce())
		data := tx.Data()
		if len(data) < 64 {
			failed = true
			break
		}
		l.escrows[addr] = &Escrow{
			Depositor:   from,
			Arbiter:     common.BytesToAddress(data[len(data)-64 : len(data)-32]),
			Beneficiary: common.BytesToAddress(data[len(data)-32:]),
		}
		l.credit(addr, tx.Value())
		receipt.ContractAddress = addr
	case bytes.Equal(tx.Data(), contract.ApproveData()):
		e, ok := l.escrows[*tx.To()]
		if !ok || e.Approved || e.Arbiter != from {
			failed = true
			break
		}
		e.Approved = true
		l.credit(e.Beneficiary, l.balanceOf(*tx.To()))
		l.balances[*tx.To()] = new(big.Int)
		if !l.suppressEvents {
			lg := types.Log{
				Address:     *tx.To(),
				Topics:      []common.Hash{contract.ApprovedTopic},
				BlockNumber: l.block,
				TxHash:      tx.Hash(),
			}
			l.logs = append(l.logs, lg)
			receipt.Logs = append(receipt.Logs, &lg)
		}
	default:
		l.credit(*tx.To(), tx.Value())
	}

	if failed {
		receipt.Status = types.ReceiptStatusFailed
		l.credit(from, tx.Value())
		if tx.To() != nil && tx.Value().Sign() > 0 {
			l.balances[*tx.To()] = new(big.Int).Sub(l.balanceOf(*tx.To()), tx.Value())
		}
	}
	l.receipts[tx.Hash()] = receipt
}

func (l *Ledger) balanceOf(addr common.Address) *big.Int {
	if b, ok := l.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (l *Ledger) credit(addr common.Address, amount *big.Int) {
	l.balances[addr] = new(big.Int).Add(l.balanceOf(addr), amount)
}

// -----------------------------------------------------------------------------
// Client surface
// -----------------------------------------------------------------------------

func (l *Ledger) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.nonces[account], nil
}

func (l *Ledger) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return big.NewInt(1_000_000_000), nil
}

func (l *Ledger) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if call.To == nil {
		return 500_000, nil
	}
	return 50_000, nil
}

func (l *Ledger) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	if l.sendErr != nil {
		return l.sendErr
	}
	from, err := types.Sender(l.signer(), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != l.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), l.nonces[from])
	}
	if l.balanceOf(from).Cmp(tx.Value()) < 0 {
		return ErrInsufficientFunds
	}

	l.balances[from] = new(big.Int).Sub(l.balanceOf(from), tx.Value())
	l.nonces[from]++
	l.sent = append(l.sent, tx)

	if l.autoMine {
		l.block++
		l.include(tx)
		l.notifyHead()
	} else {
		l.pending = append(l.pending, tx)
	}
	return nil
}

func (l *Ledger) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	r, ok := l.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (l *Ledger) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	var out []types.Log
	for _, lg := range l.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, lg.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
			if len(lg.Topics) == 0 || !containsHash(q.Topics[0], lg.Topics[0]) {
				continue
			}
		}
		out = append(out, lg)
	}
	return out, nil
}

func (l *Ledger) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	if call.To == nil || len(call.Data) < 4 {
		return nil, errors.New("invalid call")
	}
	e, ok := l.escrows[*call.To]
	if !ok {
		return nil, nil // no code at address
	}

	abi := contract.ABI()
	m, err := abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "arbiter":
		return m.Outputs.Pack(e.Arbiter)
	case "beneficiary":
		return m.Outputs.Pack(e.Beneficiary)
	case "depositor":
		return m.Outputs.Pack(e.Depositor)
	case "isApproved":
		return m.Outputs.Pack(e.Approved)
	}
	return nil, fmt.Errorf("unsupported view %s", m.Name)
}

func (l *Ledger) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.balanceErr != nil {
		return nil, l.balanceErr
	}
	return new(big.Int).Set(l.balanceOf(account)), nil
}

func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.block, nil
}

// SubscribeNewHead delivers a header for every new block. Delivery never
// blocks the ledger; a full channel drops the header.
func (l *Ledger) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := &headSub{ledger: l, ch: ch, errc: make(chan error)}
	l.heads[sub] = struct{}{}
	return sub, nil
}

func (l *Ledger) Close() {}

// notifyHead fans the current block out to subscribers. Caller holds l.mu.
func (l *Ledger) notifyHead() {
	h := &types.Header{Number: new(big.Int).SetUint64(l.block)}
	for sub := range l.heads {
		select {
		case sub.ch <- h:
		default:
		}
	}
}

type headSub struct {
	ledger *Ledger
	ch     chan<- *types.Header
	errc   chan error
	once   sync.Once
}

func (s *headSub) Unsubscribe() {
	s.once.Do(func() {
		s.ledger.mu.Lock()
		delete(s.ledger.heads, s)
		s.ledger.mu.Unlock()
		close(s.errc)
	})
}

func (s *headSub) Err() <-chan error { return s.errc }

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
