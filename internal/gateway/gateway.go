// Package gateway submits escrow transactions to the ledger and tracks them
// to confirmation.
//
// Submission and confirmation fail differently. Anything that goes wrong
// before the ledger accepts the transaction is ErrSubmissionRejected and
// costs nothing. After broadcast, a transaction can revert, fail to confirm
// in time, or (for approvals) confirm without the contract emitting
// Approved; those are reported as ErrTransactionReverted,
// ErrConfirmationTimeout and ErrEventTimeout respectively.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/ethescrow/internal/contract"
	"github.com/mbd888/ethescrow/internal/metrics"
	"github.com/mbd888/ethescrow/internal/signer"
	"github.com/mbd888/ethescrow/internal/traces"
	"github.com/mbd888/ethescrow/internal/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidAddress      = errors.New("gateway: invalid account identifier")
	ErrInvalidAmount       = errors.New("gateway: value must be positive")
	ErrSubmissionRejected  = errors.New("gateway: submission rejected")
	ErrConfirmationTimeout = errors.New("gateway: confirmation timed out")
	ErrTransactionReverted = errors.New("gateway: transaction reverted")
	ErrEventTimeout        = errors.New("gateway: approved event not observed")
)

// TxError wraps gateway failures with the step and transaction involved.
type TxError struct {
	Op     string // pack, nonce, gas_price, sign, send, confirm, event
	TxHash string // empty before signing
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("gateway: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("gateway: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

func rejected(op, txHash string, cause error) error {
	return &TxError{Op: op, TxHash: txHash, Err: errors.Join(ErrSubmissionRejected, cause)}
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client is the ledger surface the gateway needs. *ethclient.Client satisfies it.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

const (
	// DefaultDeployGasLimit is used when estimation fails for a deployment.
	DefaultDeployGasLimit = uint64(1_500_000)

	// DefaultApproveGasLimit is used when estimation fails for approve().
	DefaultApproveGasLimit = uint64(120_000)

	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultEventTimeout        = 30 * time.Second
	DefaultPollInterval        = 2 * time.Second
)

// Config for creating a gateway
type Config struct {
	ChainID             *big.Int
	Bytecode            []byte // escrow creation code; required only for Deploy
	ConfirmationTimeout time.Duration
	EventTimeout        time.Duration
	PollInterval        time.Duration
}

// Gateway sends deploy and approve transactions.
type Gateway struct {
	client Client
	cfg    Config
	logger *slog.Logger
}

// New creates a gateway. Zero durations fall back to defaults.
func New(client Client, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = DefaultEventTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: client, cfg: cfg, logger: logger}
}

// Receipt summarizes an included transaction.
type Receipt struct {
	TxHash          common.Hash
	BlockNumber     uint64
	GasUsed         uint64
	ContractAddress common.Address

	logs []*types.Log
}

// -----------------------------------------------------------------------------
// Deploy
// -----------------------------------------------------------------------------

// PendingDeployment is a broadcast contract-creation transaction.
type PendingDeployment struct {
	gw          *Gateway
	address     common.Address
	txHash      common.Hash
	submittedAt time.Time
}

// Address is the contract address assigned by (sender, nonce). It is known
// before the deployment confirms.
func (p *PendingDeployment) Address() common.Address { return p.address }

// TxHash is the deployment transaction hash.
func (p *PendingDeployment) TxHash() common.Hash { return p.txHash }

// Confirmed waits until the deployment is included.
func (p *PendingDeployment) Confirmed(ctx context.Context) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.deploy.confirm",
		traces.TxHash(p.txHash.Hex()), traces.Contract(p.address.Hex()))

	rcpt, err := p.gw.waitReceipt(ctx, "deploy", p.txHash, p.submittedAt)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	if rcpt.ContractAddress == (common.Address{}) {
		rcpt.ContractAddress = p.address
	}
	return rcpt, nil
}

// Deploy validates the escrow parameters and broadcasts a contract creation
// funded with value, signed by from through s.
func (g *Gateway) Deploy(ctx context.Context, s signer.Signer, from common.Address, arbiter, beneficiary string, value *big.Int) (*PendingDeployment, error) {
	if !validation.IsValidEthAddress(arbiter) {
		return nil, fmt.Errorf("%w: arbiter %q", ErrInvalidAddress, arbiter)
	}
	if !validation.IsValidEthAddress(beneficiary) {
		return nil, fmt.Errorf("%w: beneficiary %q", ErrInvalidAddress, beneficiary)
	}
	if value == nil || value.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "gateway.deploy",
		traces.TxKind("deploy"), traces.Account(from.Hex()), traces.ValueWei(value.String()))

	data, err := contract.DeployData(g.cfg.Bytecode, common.HexToAddress(arbiter), common.HexToAddress(beneficiary))
	if err != nil {
		err = rejected("pack", "", err)
		traces.End(span, err)
		metrics.ObserveTx("deploy", "rejected")
		return nil, err
	}

	signed, nonce, err := g.submit(ctx, s, from, nil, value, data, DefaultDeployGasLimit)
	if err != nil {
		traces.End(span, err)
		metrics.ObserveTx("deploy", "rejected")
		return nil, err
	}

	p := &PendingDeployment{
		gw:          g,
		address:     crypto.CreateAddress(from, nonce),
		txHash:      signed.Hash(),
		submittedAt: time.Now(),
	}
	span.SetAttributes(traces.TxHash(p.txHash.Hex()), traces.Contract(p.address.Hex()))
	traces.End(span, nil)
	metrics.ObserveTx("deploy", "submitted")

	g.logger.Info("deployment submitted",
		"from", from.Hex(),
		"contract", p.address.Hex(),
		"tx", p.txHash.Hex(),
		"value_wei", value.String(),
	)
	return p, nil
}

// -----------------------------------------------------------------------------
// Approve
// -----------------------------------------------------------------------------

// PendingApproval is a broadcast approve() call.
type PendingApproval struct {
	gw          *Gateway
	contract    common.Address
	txHash      common.Hash
	submittedAt time.Time
}

// TxHash is the approval transaction hash.
func (p *PendingApproval) TxHash() common.Hash { return p.txHash }

// Contract is the escrow being approved.
func (p *PendingApproval) Contract() common.Address { return p.contract }

// Included waits until the approval transaction is included.
func (p *PendingApproval) Included(ctx context.Context) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.approve.confirm",
		traces.TxHash(p.txHash.Hex()), traces.Contract(p.contract.Hex()))
	rcpt, err := p.gw.waitReceipt(ctx, "approve", p.txHash, p.submittedAt)
	traces.End(span, err)
	return rcpt, err
}

// Observed waits for the contract's Approved event at or after the
// receipt's block.
func (p *PendingApproval) Observed(ctx context.Context, rcpt *Receipt) error {
	ctx, span := traces.StartSpan(ctx, "gateway.approve.event",
		traces.TxHash(p.txHash.Hex()), traces.Contract(p.contract.Hex()))
	err := p.gw.waitApproved(ctx, p.contract, rcpt)
	traces.End(span, err)
	return err
}

// Confirmed composes Included and Observed. When the event is missing the
// receipt is still returned alongside ErrEventTimeout.
func (p *PendingApproval) Confirmed(ctx context.Context) (*Receipt, error) {
	rcpt, err := p.Included(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.Observed(ctx, rcpt); err != nil {
		return rcpt, err
	}
	return rcpt, nil
}

// Approve broadcasts approve() against the escrow at escrowAddr.
func (g *Gateway) Approve(ctx context.Context, s signer.Signer, from, escrowAddr common.Address) (*PendingApproval, error) {
	if escrowAddr == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract address not set", ErrInvalidAddress)
	}

	ctx, span := traces.StartSpan(ctx, "gateway.approve",
		traces.TxKind("approve"), traces.Account(from.Hex()), traces.Contract(escrowAddr.Hex()))

	to := escrowAddr
	signed, _, err := g.submit(ctx, s, from, &to, big.NewInt(0), contract.ApproveData(), DefaultApproveGasLimit)
	if err != nil {
		traces.End(span, err)
		metrics.ObserveTx("approve", "rejected")
		return nil, err
	}

	p := &PendingApproval{
		gw:          g,
		contract:    escrowAddr,
		txHash:      signed.Hash(),
		submittedAt: time.Now(),
	}
	span.SetAttributes(traces.TxHash(p.txHash.Hex()))
	traces.End(span, nil)
	metrics.ObserveTx("approve", "submitted")

	g.logger.Info("approval submitted",
		"from", from.Hex(),
		"contract", escrowAddr.Hex(),
		"tx", p.txHash.Hex(),
	)
	return p, nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// submit builds, signs and broadcasts a legacy transaction. to == nil means
// contract creation.
func (g *Gateway) submit(ctx context.Context, s signer.Signer, from common.Address, to *common.Address, value *big.Int, data []byte, fallbackGas uint64) (*types.Transaction, uint64, error) {
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, 0, rejected("nonce", "", err)
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, 0, rejected("gas_price", "", err)
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails; the ledger still gets the final say on send.
		g.logger.Debug("gas estimation failed, using default", "error", err, "gas", fallbackGas)
		gasLimit = fallbackGas
	}

	var tx *types.Transaction
	if to == nil {
		tx = types.NewContractCreation(nonce, value, gasLimit, gasPrice, data)
	} else {
		tx = types.NewTransaction(nonce, *to, value, gasLimit, gasPrice, data)
	}

	signed, err := s.SignTx(ctx, from, tx, g.cfg.ChainID)
	if err != nil {
		return nil, 0, rejected("sign", "", err)
	}

	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return nil, 0, rejected("send", signed.Hash().Hex(), err)
	}

	return signed, nonce, nil
}

// waitReceipt polls for the receipt of txHash, bounded by ConfirmationTimeout.
func (g *Gateway) waitReceipt(ctx context.Context, kind string, txHash common.Hash, submittedAt time.Time) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				metrics.ObserveTx(kind, "reverted")
				return nil, &TxError{Op: "confirm", TxHash: txHash.Hex(), Err: ErrTransactionReverted}
			}

			metrics.ObserveTx(kind, "confirmed")
			metrics.ObserveConfirmation(kind, submittedAt)
			rcpt := &Receipt{
				TxHash:          txHash,
				GasUsed:         receipt.GasUsed,
				ContractAddress: receipt.ContractAddress,
				logs:            receipt.Logs,
			}
			if receipt.BlockNumber != nil {
				rcpt.BlockNumber = receipt.BlockNumber.Uint64()
			}
			g.logger.Info("transaction confirmed", "kind", kind, "tx", txHash.Hex(), "block", rcpt.BlockNumber)
			return rcpt, nil
		}
		// Not yet mined (ethereum.NotFound) or a transient RPC error; keep waiting.

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				metrics.ObserveTx(kind, "timeout")
				return nil, &TxError{Op: "confirm", TxHash: txHash.Hex(), Err: ErrConfirmationTimeout}
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitApproved looks for Approved() from escrowAddr, first in the receipt's
// own logs and then in blocks from the receipt's block on, bounded by
// EventTimeout.
func (g *Gateway) waitApproved(ctx context.Context, escrowAddr common.Address, rcpt *Receipt) error {
	if rcpt == nil {
		return &TxError{Op: "event", Err: ErrEventTimeout}
	}
	for _, l := range rcpt.logs {
		if isApprovedLog(l, escrowAddr) {
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.EventTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(rcpt.BlockNumber),
		Addresses: []common.Address{escrowAddr},
		Topics:    [][]common.Hash{{contract.ApprovedTopic}},
	}

	for {
		logs, err := g.client.FilterLogs(ctx, query)
		if err != nil {
			g.logger.Warn("approved event query failed", "contract", escrowAddr.Hex(), "error", err)
		}
		for i := range logs {
			if isApprovedLog(&logs[i], escrowAddr) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				metrics.ObserveTx("approve", "event_timeout")
				g.logger.Warn("approval confirmed without Approved event",
					"contract", escrowAddr.Hex(),
					"tx", rcpt.TxHash.Hex(),
				)
				return &TxError{Op: "event", TxHash: rcpt.TxHash.Hex(), Err: ErrEventTimeout}
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func isApprovedLog(l *types.Log, escrowAddr common.Address) bool {
	return l != nil && !l.Removed && l.Address == escrowAddr &&
		len(l.Topics) > 0 && l.Topics[0] == contract.ApprovedTopic
}
