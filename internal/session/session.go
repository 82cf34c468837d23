// Package session holds the active wallet account, its signer, and a
// balance that follows new ledger blocks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/ethescrow/internal/metrics"
	"github.com/mbd888/ethescrow/internal/retry"
	"github.com/mbd888/ethescrow/internal/signer"
)

var (
	ErrNoAccountGranted = errors.New("session: no account granted")
	ErrNotConnected     = errors.New("session: not connected")
	ErrClosed           = errors.New("session: closed")
)

// Client is the read-only ledger surface a session needs.
type Client interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// HeadSubscriber is implemented by clients that push new block headers
// (websocket and IPC endpoints). Sessions on other clients poll instead.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// Account is the active wallet account.
type Account struct {
	Address common.Address
	Balance *big.Int // wei
	Block   uint64   // block the balance was read at; 0 before the first tick
}

func (a Account) clone() Account {
	if a.Balance != nil {
		a.Balance = new(big.Int).Set(a.Balance)
	}
	return a
}

// Config for a session.
type Config struct {
	PollInterval time.Duration // block polling when head subscription is unavailable
	Reads        retry.Policy  // balance query retries
}

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 4 * time.Second

// Session is one user's connection to the ledger through a signer.
type Session struct {
	client Client
	signer signer.Signer
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	account   Account
	granted   []common.Address
	connected bool
	closed    bool
	lastBlock uint64
	handlers  []func(Account)

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a session. Nothing is requested from the signer until Connect.
func New(client Client, s signer.Signer, cfg Config, logger *slog.Logger) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Reads.Attempts <= 0 {
		cfg.Reads = retry.Reads
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		client: client,
		signer: s,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Connect requests account access from the signer and reads the primary
// account's balance.
func (s *Session) Connect(ctx context.Context) (Account, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return Account{}, ErrClosed
	}

	accounts, err := s.signer.Accounts(ctx)
	if errors.Is(err, signer.ErrDeclined) || (err == nil && len(accounts) == 0) {
		return Account{}, ErrNoAccountGranted
	}
	if err != nil {
		return Account{}, fmt.Errorf("session: request accounts: %w", err)
	}

	primary := accounts[0]
	balance, err := s.balance(ctx, primary)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	s.granted = accounts
	s.account = Account{Address: primary, Balance: balance}
	s.connected = true
	acct := s.account.clone()
	s.mu.Unlock()

	s.logger.Info("session connected", "account", primary.Hex(), "balance_wei", balance.String())
	return acct, nil
}

// SetAccount switches the active account to one the signer granted and
// notifies block handlers with its balance.
func (s *Session) SetAccount(ctx context.Context, addr common.Address) (Account, error) {
	s.mu.RLock()
	connected, granted := s.connected, s.granted
	s.mu.RUnlock()
	if !connected {
		return Account{}, ErrNotConnected
	}

	ok := false
	for _, a := range granted {
		if a == addr {
			ok = true
			break
		}
	}
	if !ok {
		return Account{}, fmt.Errorf("session: %w: %s", signer.ErrUnknownAccount, addr.Hex())
	}

	balance, err := s.balance(ctx, addr)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	s.account = Account{Address: addr, Balance: balance, Block: s.lastBlock}
	acct := s.account.clone()
	handlers := append([]func(Account){}, s.handlers...)
	s.mu.Unlock()

	s.logger.Info("account switched", "account", addr.Hex())
	for _, h := range handlers {
		h(acct)
	}
	return acct, nil
}

// Account returns a copy of the active account.
func (s *Session) Account() Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account.clone()
}

// Connected reports whether Connect succeeded.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && !s.closed
}

// Signer returns the signer that authorizes this session's transactions.
func (s *Session) Signer() signer.Signer { return s.signer }

// OnNewBlock registers handler to run once per observed block advance with
// the refreshed account. The first registration starts the block
// subscription; it lasts until Close.
func (s *Session) OnNewBlock(handler func(Account)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()

	s.startOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.watch(ctx)
	})
}

// Close ends the block subscription and tears the session down.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.connected = false
		s.handlers = nil
		cancel := s.cancel
		s.mu.Unlock()

		if cancel == nil {
			return
		}
		cancel()
		<-s.done
	})
}

func (s *Session) watch(ctx context.Context) {
	defer close(s.done)

	if hs, ok := s.client.(HeadSubscriber); ok {
		err := s.followHeads(ctx, hs)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("head subscription unavailable, polling for blocks", "error", err)
	}
	s.pollBlocks(ctx)
}

func (s *Session) followHeads(ctx context.Context, hs HeadSubscriber) error {
	heads := make(chan *types.Header, 16)
	sub, err := hs.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return errors.New("subscription closed")
			}
			return err
		case h := <-heads:
			if h != nil && h.Number != nil {
				s.tick(ctx, h.Number.Uint64())
			}
		}
	}
}

func (s *Session) pollBlocks(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.client.BlockNumber(ctx)
			if err != nil {
				s.logger.Warn("block number query failed", "error", err)
				continue
			}
			s.tick(ctx, n)
		}
	}
}

// tick refreshes the balance once per block advance.
func (s *Session) tick(ctx context.Context, block uint64) {
	s.mu.Lock()
	if block <= s.lastBlock {
		s.mu.Unlock()
		return
	}
	s.lastBlock = block
	addr, connected := s.account.Address, s.connected
	s.mu.Unlock()

	metrics.LastBlockSeen.Set(float64(block))
	if !connected {
		return
	}

	balance, err := s.balance(ctx, addr)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("balance refresh failed", "account", addr.Hex(), "block", block, "error", err)
		}
		return
	}

	s.mu.Lock()
	if s.account.Address != addr || s.closed {
		// switched while reading; the switch already published a fresh balance
		s.mu.Unlock()
		return
	}
	s.account.Balance = balance
	s.account.Block = block
	acct := s.account.clone()
	handlers := append([]func(Account){}, s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(acct)
	}
}

func (s *Session) balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := s.cfg.Reads.Do(ctx, func(ctx context.Context) error {
		b, err := s.client.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		metrics.BalanceRefreshesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("session: read balance of %s: %w", addr.Hex(), err)
	}
	metrics.BalanceRefreshesTotal.WithLabelValues("ok").Inc()
	return balance, nil
}
