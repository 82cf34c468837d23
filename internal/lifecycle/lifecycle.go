// Package lifecycle drives one escrow through creation, deployment and
// approval on behalf of a wallet session.
//
// A Lifecycle is a single logical actor. Phase and contract change only
// inside its methods, under one mutex that is never held across ledger or
// signer calls. While a transaction is in flight every other action is
// refused with ErrInvalidPhase, and Reset with ErrInFlight.
//
// Once a transaction is broadcast its confirmation wait is detached from the
// caller's context: the transaction cannot be recalled, so the lifecycle
// keeps tracking it until the gateway's own timeouts fire.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/ethescrow/internal/contract"
	"github.com/mbd888/ethescrow/internal/gateway"
	"github.com/mbd888/ethescrow/internal/journal"
	"github.com/mbd888/ethescrow/internal/metrics"
	"github.com/mbd888/ethescrow/internal/role"
	"github.com/mbd888/ethescrow/internal/session"
	"github.com/mbd888/ethescrow/internal/signer"
	"github.com/mbd888/ethescrow/internal/traces"
	"github.com/mbd888/ethescrow/internal/validation"
	"github.com/mbd888/ethescrow/internal/wei"
)

var (
	ErrInvalidPhase = errors.New("lifecycle: action not allowed in current phase")
	ErrInFlight     = errors.New("lifecycle: transaction in flight")
	ErrNoAction     = errors.New("lifecycle: no action available for this account")
)

// Wallet is the session surface the lifecycle uses. *session.Session
// satisfies it.
type Wallet interface {
	Account() session.Account
	Signer() signer.Signer
	SetAccount(ctx context.Context, addr common.Address) (session.Account, error)
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithJournal records deployed and loaded contracts in store.
func WithJournal(store journal.Store) Option {
	return func(l *Lifecycle) { l.journal = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lifecycle) { l.logger = logger }
}

// Lifecycle is the escrow state machine for one session.
type Lifecycle struct {
	wallet  Wallet
	gw      *gateway.Gateway
	reader  contract.Caller
	journal journal.Store
	logger  *slog.Logger

	mu        sync.Mutex
	phase     Phase
	contract  *Contract
	status    string
	warning   bool
	errKind   ErrorKind
	errMsg    string
	listeners []func(Snapshot)
}

// New creates a lifecycle in the Idle phase. reader answers the contract
// view calls used by Load and Recheck.
func New(wallet Wallet, gw *gateway.Gateway, reader contract.Caller, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		wallet: wallet,
		gw:     gw,
		reader: reader,
		logger: slog.Default(),
		phase:  PhaseIdle,
		status: StatusNotDeployed,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnChange registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that made the change and must not block.
func (l *Lifecycle) OnChange(fn func(Snapshot)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Snapshot returns the current state. Role and next action are resolved
// fresh on every call.
func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// CreateNewContract starts drafting a new escrow. It reports whether the
// transition happened; outside Idle it does nothing.
func (l *Lifecycle) CreateNewContract() bool {
	l.mu.Lock()
	if l.phase != PhaseIdle {
		l.mu.Unlock()
		return false
	}
	l.setPhaseLocked(PhaseDrafting, StatusDrafting)
	l.mu.Unlock()

	l.notify()
	return true
}

// SubmitAction performs the next action for the active account: deploy while
// drafting, approve once deployed. It returns when the action has settled.
//
// Invalid form input returns a *validation.ValidationError naming the field
// and leaves the lifecycle untouched. An approval that is included but whose
// Approved event is never seen returns gateway.ErrEventTimeout and leaves the
// lifecycle in a warning state that Recheck can resolve.
func (l *Lifecycle) SubmitAction(ctx context.Context, form Form) error {
	acct := l.wallet.Account()

	l.mu.Lock()
	phase := l.phase
	res := role.Resolve(acct.Address, l.viewLocked())
	l.mu.Unlock()

	switch {
	case phase == PhaseDrafting && res.NextAction == role.ActionDeploy:
		return l.deploy(ctx, acct.Address, form)
	case phase == PhaseDeployed && res.NextAction == role.ActionApprove:
		return l.approve(ctx, acct.Address)
	case phase == PhaseDeployed:
		return ErrNoAction
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPhase, phase)
	}
}

// ValidateForm checks the escrow form in display order and returns the
// first offending field as a *validation.ValidationError, or nil.
func ValidateForm(form Form) error {
	if errs := validation.Validate(
		validation.AccountID("beneficiary", form.Beneficiary),
		validation.AccountID("arbiter", form.Arbiter),
		validation.PositiveAmount("value", form.Value),
	); len(errs) > 0 {
		return errs.First()
	}
	return nil
}

func (l *Lifecycle) deploy(ctx context.Context, from common.Address, form Form) (err error) {
	if err := ValidateForm(form); err != nil {
		return err
	}
	if from == (common.Address{}) {
		return session.ErrNotConnected
	}
	// ValidateForm already rejected anything wei.Parse cannot read.
	value, _ := wei.Parse(form.Value)
	arbiter := common.HexToAddress(form.Arbiter)
	beneficiary := common.HexToAddress(form.Beneficiary)

	l.mu.Lock()
	if phase := l.phase; phase != PhaseDrafting {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidPhase, phase)
	}
	l.setPhaseLocked(PhaseDeploying, StatusDeploying)
	l.mu.Unlock()
	l.notify()

	ctx, span := traces.StartSpan(ctx, "lifecycle.deploy",
		traces.Account(from.Hex()), traces.ValueWei(value.String()))
	defer func() { traces.End(span, err) }()

	pending, err := l.gw.Deploy(ctx, l.wallet.Signer(), from, arbiter.Hex(), beneficiary.Hex(), value)
	if err != nil {
		l.fail(err)
		return err
	}

	l.mu.Lock()
	l.contract = &Contract{
		Address:     pending.Address(),
		Buyer:       from,
		Arbiter:     arbiter,
		Beneficiary: beneficiary,
		Value:       new(big.Int).Set(value),
		Phase:       role.PhaseCreated,
		DeployTx:    pending.TxHash(),
	}
	l.setPhaseLocked(PhaseAwaitingDeploy, StatusVerifying)
	l.mu.Unlock()
	l.notify()

	if _, err = pending.Confirmed(context.WithoutCancel(ctx)); err != nil {
		l.fail(err)
		return err
	}

	l.mu.Lock()
	l.contract.Phase = role.PhaseDeployed
	l.setPhaseLocked(PhaseDeployed, StatusDeployed)
	rec := l.recordLocked()
	l.mu.Unlock()

	l.record(ctx, rec)
	l.notify()
	return nil
}

func (l *Lifecycle) approve(ctx context.Context, from common.Address) (err error) {
	l.mu.Lock()
	if phase := l.phase; phase != PhaseDeployed || l.contract == nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidPhase, phase)
	}
	addr := l.contract.Address
	l.setPhaseLocked(PhaseApproving, StatusApproving)
	l.mu.Unlock()
	l.notify()

	ctx, span := traces.StartSpan(ctx, "lifecycle.approve",
		traces.Account(from.Hex()), traces.Contract(addr.Hex()))
	defer func() { traces.End(span, err) }()

	pending, err := l.gw.Approve(ctx, l.wallet.Signer(), from, addr)
	if err != nil {
		l.fail(err)
		return err
	}

	l.mu.Lock()
	l.contract.ApproveTx = pending.TxHash()
	l.setPhaseLocked(PhaseAwaitingApprove, StatusConfirmingApproval)
	l.mu.Unlock()
	l.notify()

	detached := context.WithoutCancel(ctx)
	rcpt, err := pending.Included(detached)
	if err != nil {
		l.fail(err)
		return err
	}

	if err = pending.Observed(detached, rcpt); err != nil {
		if errors.Is(err, gateway.ErrEventTimeout) {
			l.mu.Lock()
			l.warning = true
			l.errKind = KindEventTimeout
			l.errMsg = err.Error()
			l.status = StatusApprovalUnverified
			l.mu.Unlock()
			l.logger.Warn("approval included but Approved event not observed",
				"contract", addr.Hex(), "tx", pending.TxHash().Hex())
			l.notify()
			return err
		}
		l.fail(err)
		return err
	}

	l.markApproved(ctx)
	return nil
}

// Recheck asks the contract whether it is approved, resolving the warning
// left by a missing Approved event. It reports the contract's answer.
func (l *Lifecycle) Recheck(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.phase != PhaseAwaitingApprove || !l.warning || l.contract == nil {
		phase := l.phase
		l.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrInvalidPhase, phase)
	}
	addr := l.contract.Address
	l.mu.Unlock()

	approved, err := contract.IsApproved(ctx, l.reader, addr)
	if err != nil {
		return false, err
	}
	if !approved {
		l.logger.Info("recheck: escrow still not approved", "contract", addr.Hex())
		return false, nil
	}

	l.markApproved(ctx)
	return true, nil
}

func (l *Lifecycle) markApproved(ctx context.Context) {
	l.mu.Lock()
	if l.phase != PhaseAwaitingApprove {
		l.mu.Unlock()
		return
	}
	l.contract.Phase = role.PhaseApproved
	l.warning = false
	l.errKind = ""
	l.errMsg = ""
	l.setPhaseLocked(PhaseApproved, StatusApproved)
	rec := l.recordLocked()
	l.mu.Unlock()

	l.record(ctx, rec)
	l.notify()
}

// Load adopts an escrow that already exists on the ledger. This is how a
// session that did not deploy it, typically the arbiter's, picks it up.
func (l *Lifecycle) Load(ctx context.Context, addr common.Address) error {
	l.mu.Lock()
	if l.phase != PhaseIdle && l.phase != PhaseDrafting {
		phase := l.phase
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidPhase, phase)
	}
	l.mu.Unlock()

	md, err := contract.Load(ctx, l.reader, addr)
	if err != nil {
		return err
	}
	value := l.knownValue(ctx, addr, md.Balance)

	l.mu.Lock()
	if l.phase != PhaseIdle && l.phase != PhaseDrafting {
		phase := l.phase
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidPhase, phase)
	}
	l.contract = &Contract{
		Address:     md.Address,
		Buyer:       md.Depositor,
		Arbiter:     md.Arbiter,
		Beneficiary: md.Beneficiary,
		Value:       value,
		Phase:       role.PhaseDeployed,
	}
	l.setPhaseLocked(PhaseDeployed, StatusDeployed)
	if md.Approved {
		l.contract.Phase = role.PhaseApproved
		l.setPhaseLocked(PhaseApproved, StatusApproved)
	}
	rec := l.recordLocked()
	l.mu.Unlock()

	l.logger.Info("escrow loaded", "contract", addr.Hex(), "approved", md.Approved)
	l.record(ctx, rec)
	l.notify()
	return nil
}

// knownValue prefers the deposit recorded in the journal over the balance
// still held, which drops to zero once an approval releases the funds.
func (l *Lifecycle) knownValue(ctx context.Context, addr common.Address, held *big.Int) *big.Int {
	value := new(big.Int).Set(held)
	if l.journal == nil {
		return value
	}
	rec, err := l.journal.Get(ctx, addr.Hex())
	if err != nil {
		return value
	}
	if v, ok := new(big.Int).SetString(rec.ValueWei, 10); ok && v.Sign() > 0 {
		return v
	}
	return value
}

// SetAccount switches the session's active account. The role is resolved
// again on the next snapshot.
func (l *Lifecycle) SetAccount(ctx context.Context, addr common.Address) error {
	if _, err := l.wallet.SetAccount(ctx, addr); err != nil {
		return err
	}
	l.notify()
	return nil
}

// Reset discards the current escrow and returns to Idle. It is a no-op in
// Idle and refused while a transaction is in flight, except when an approval
// is only waiting on an unobserved event.
func (l *Lifecycle) Reset() error {
	l.mu.Lock()
	if l.phase == PhaseIdle {
		l.mu.Unlock()
		return nil
	}
	if l.phase.InFlight() && !l.warning {
		l.mu.Unlock()
		return ErrInFlight
	}
	l.contract = nil
	l.warning = false
	l.errKind = ""
	l.errMsg = ""
	l.setPhaseLocked(PhaseIdle, StatusNotDeployed)
	l.mu.Unlock()

	l.notify()
	return nil
}

// fail moves to Failed. The contract is discarded when deployment failed
// and kept when only the approval failed.
func (l *Lifecycle) fail(err error) {
	kind := classify(err)

	l.mu.Lock()
	deploying := l.phase == PhaseDeploying || l.phase == PhaseAwaitingDeploy
	var status string
	switch {
	case deploying && kind == KindSubmissionRejected:
		status = StatusDeploymentRejected
	case deploying:
		status = StatusDeploymentError
	case kind == KindSubmissionRejected:
		status = StatusApprovalRejected
	default:
		status = StatusApprovalError
	}
	if deploying {
		l.contract = nil
	}
	l.errKind = kind
	l.errMsg = err.Error()
	l.setPhaseLocked(PhaseFailed, status)
	l.mu.Unlock()

	l.logger.Error("escrow action failed", "status", status, "kind", string(kind), "error", err)
	l.notify()
}

// setPhaseLocked applies a transition from the table. An illegal transition
// is a programming error; it is logged and ignored.
func (l *Lifecycle) setPhaseLocked(to Phase, status string) {
	from := l.phase
	if !canTransition(from, to) {
		l.logger.Error("illegal lifecycle transition", "from", string(from), "to", string(to))
		return
	}
	if to == PhaseApproved && (l.contract == nil || l.contract.Address == (common.Address{})) {
		l.logger.Error("approved without a contract address", "from", string(from))
		return
	}
	l.phase = to
	l.status = status
	metrics.LifecycleTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	l.logger.Debug("lifecycle transition", "from", string(from), "to", string(to), "status", status)
}

func (l *Lifecycle) viewLocked() *role.ContractView {
	if l.contract == nil {
		return nil
	}
	return &role.ContractView{Arbiter: l.contract.Arbiter, Phase: l.contract.Phase}
}

func (l *Lifecycle) snapshotLocked() Snapshot {
	acct := l.wallet.Account()
	res := role.Resolve(acct.Address, l.viewLocked())

	next := role.ActionNone
	switch {
	case l.phase == PhaseDrafting && res.NextAction == role.ActionDeploy:
		next = role.ActionDeploy
	case l.phase == PhaseDeployed && res.NextAction == role.ActionApprove:
		next = role.ActionApprove
	}

	status := l.status
	if next == role.ActionApprove {
		status = StatusPending
	}

	snap := Snapshot{
		Phase:      l.phase,
		Account:    acct.Address,
		BalanceWei: "0",
		Balance:    wei.Display(acct.Balance),
		Role:       res.Role,
		RoleLabel:  res.Role.Label(),
		NextAction: next,
		Status:     status,
		Warning:    l.warning,
		ErrorKind:  l.errKind,
		Error:      l.errMsg,
	}
	if acct.Balance != nil {
		snap.BalanceWei = acct.Balance.String()
	}
	if l.contract != nil {
		c := l.contract.clone()
		snap.Contract = &c
	}
	return snap
}

func (l *Lifecycle) notify() {
	l.mu.Lock()
	snap := l.snapshotLocked()
	listeners := append([]func(Snapshot){}, l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (l *Lifecycle) recordLocked() *journal.Record {
	if l.journal == nil || l.contract == nil {
		return nil
	}
	c := l.contract
	rec := &journal.Record{
		Address:     c.Address.Hex(),
		Buyer:       c.Buyer.Hex(),
		Arbiter:     c.Arbiter.Hex(),
		Beneficiary: c.Beneficiary.Hex(),
		ValueWei:    c.Value.String(),
		Phase:       string(c.Phase),
	}
	if c.DeployTx != (common.Hash{}) {
		rec.DeployTx = c.DeployTx.Hex()
	}
	if c.ApproveTx != (common.Hash{}) {
		rec.ApproveTx = c.ApproveTx.Hex()
	}
	return rec
}

// record writes to the journal. Journal failures never affect the lifecycle.
func (l *Lifecycle) record(ctx context.Context, rec *journal.Record) {
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.journal.Upsert(ctx, rec); err != nil {
		l.logger.Warn("journal write failed", "contract", rec.Address, "error", err)
	}
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, gateway.ErrSubmissionRejected),
		errors.Is(err, gateway.ErrInvalidAddress),
		errors.Is(err, gateway.ErrInvalidAmount):
		return KindSubmissionRejected
	case errors.Is(err, gateway.ErrTransactionReverted):
		return KindTransactionReverted
	case errors.Is(err, gateway.ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, gateway.ErrEventTimeout):
		return KindEventTimeout
	default:
		return KindUnknown
	}
}
