package lifecycle

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/ethescrow/internal/role"
	"github.com/mbd888/ethescrow/internal/wei"
)

// Phase is the orchestrator's control state. It is separate from the
// contract's own on-chain phase.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseDrafting        Phase = "drafting"
	PhaseDeploying       Phase = "deploying"
	PhaseAwaitingDeploy  Phase = "awaiting_deploy_confirmation"
	PhaseDeployed        Phase = "deployed"
	PhaseApproving       Phase = "approving"
	PhaseAwaitingApprove Phase = "awaiting_approve_confirmation"
	PhaseApproved        Phase = "approved"
	PhaseFailed          Phase = "failed"
)

// InFlight reports whether a transaction is being signed or confirmed.
func (p Phase) InFlight() bool {
	switch p {
	case PhaseDeploying, PhaseAwaitingDeploy, PhaseApproving, PhaseAwaitingApprove:
		return true
	}
	return false
}

// transitions lists every legal phase change. Approved is only reachable
// from Deployed, directly when loading an approved escrow or through the
// approval path.
var transitions = map[Phase][]Phase{
	PhaseIdle:            {PhaseDrafting, PhaseDeployed},
	PhaseDrafting:        {PhaseDeploying, PhaseDeployed, PhaseIdle},
	PhaseDeploying:       {PhaseAwaitingDeploy, PhaseFailed},
	PhaseAwaitingDeploy:  {PhaseDeployed, PhaseFailed},
	PhaseDeployed:        {PhaseApproving, PhaseApproved, PhaseIdle},
	PhaseApproving:       {PhaseAwaitingApprove, PhaseFailed},
	PhaseAwaitingApprove: {PhaseApproved, PhaseFailed, PhaseIdle},
	PhaseApproved:        {PhaseIdle},
	PhaseFailed:          {PhaseIdle},
}

func canTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Status texts shown to the user.
const (
	StatusNotDeployed        = "Not Deployed Yet"
	StatusDrafting           = "Drafting"
	StatusDeploying          = "Deploying"
	StatusVerifying          = "Verifying"
	StatusDeployed           = "Deployed"
	StatusPending            = "Pending"
	StatusApproving          = "Approving"
	StatusConfirmingApproval = "Confirming Approval"
	StatusApproved           = "Approved"
	StatusDeploymentError    = "Deployment Error"
	StatusDeploymentRejected = "Deployment Rejected"
	StatusApprovalError      = "Approval Error"
	StatusApprovalRejected   = "Approval Rejected"
	StatusApprovalUnverified = "Approval Unverified"
)

// ErrorKind classifies the last failure.
type ErrorKind string

const (
	KindSubmissionRejected  ErrorKind = "submission_rejected"
	KindTransactionReverted ErrorKind = "transaction_reverted"
	KindConfirmationTimeout ErrorKind = "confirmation_timeout"
	KindEventTimeout        ErrorKind = "event_timeout"
	KindUnknown             ErrorKind = "unknown"
)

// Form is the user's input for a new escrow, as typed.
type Form struct {
	Beneficiary string `json:"beneficiary"`
	Arbiter     string `json:"arbiter"`
	Value       string `json:"value"` // decimal ether
}

// Contract is the in-memory escrow.
type Contract struct {
	Address     common.Address
	Buyer       common.Address
	Arbiter     common.Address
	Beneficiary common.Address
	Value       *big.Int // wei
	Phase       role.ContractPhase
	DeployTx    common.Hash
	ApproveTx   common.Hash
}

func (c Contract) clone() Contract {
	if c.Value != nil {
		c.Value = new(big.Int).Set(c.Value)
	}
	return c
}

func (c Contract) MarshalJSON() ([]byte, error) {
	out := struct {
		Address     string             `json:"address"`
		Buyer       string             `json:"buyer"`
		Arbiter     string             `json:"arbiter"`
		Beneficiary string             `json:"beneficiary"`
		ValueWei    string             `json:"valueWei"`
		Value       string             `json:"value"`
		Phase       role.ContractPhase `json:"phase"`
		DeployTx    string             `json:"deployTx,omitempty"`
		ApproveTx   string             `json:"approveTx,omitempty"`
	}{
		Address:     c.Address.Hex(),
		Buyer:       c.Buyer.Hex(),
		Arbiter:     c.Arbiter.Hex(),
		Beneficiary: c.Beneficiary.Hex(),
		ValueWei:    "0",
		Value:       wei.Format(c.Value),
		Phase:       c.Phase,
	}
	if c.Value != nil {
		out.ValueWei = c.Value.String()
	}
	if c.DeployTx != (common.Hash{}) {
		out.DeployTx = c.DeployTx.Hex()
	}
	if c.ApproveTx != (common.Hash{}) {
		out.ApproveTx = c.ApproveTx.Hex()
	}
	return json.Marshal(out)
}

// Snapshot is the read model handed to presentation.
type Snapshot struct {
	Phase      Phase          `json:"phase"`
	Contract   *Contract      `json:"contract,omitempty"`
	Account    common.Address `json:"account"`
	BalanceWei string         `json:"balanceWei"`
	Balance    string         `json:"balance"` // 4 decimals
	Role       role.Role      `json:"role"`
	RoleLabel  string         `json:"roleLabel"`
	NextAction role.Action    `json:"nextAction"`
	Status     string         `json:"status"`
	Warning    bool           `json:"warning"`
	ErrorKind  ErrorKind      `json:"errorKind,omitempty"`
	Error      string         `json:"error,omitempty"`
}
