// Package role decides who the active account is with respect to an escrow
// and which action it may take next.
package role

import "github.com/ethereum/go-ethereum/common"

// Role is the caller's part in an escrow.
type Role string

const (
	Buyer   Role = "buyer"
	Arbiter Role = "arbiter"
)

// Action is the next operation available to the caller.
type Action string

const (
	ActionDeploy  Action = "deploy"
	ActionApprove Action = "approve"
	ActionNone    Action = "none"
)

// ContractPhase is the on-chain stage of an escrow.
type ContractPhase string

const (
	PhaseCreated  ContractPhase = "created"
	PhaseDeployed ContractPhase = "deployed"
	PhaseApproved ContractPhase = "approved"
)

// ContractView is the part of an escrow that role resolution reads.
type ContractView struct {
	Arbiter common.Address
	Phase   ContractPhase
}

// Result of a resolution.
type Result struct {
	Role       Role   `json:"role"`
	NextAction Action `json:"nextAction"`
}

// Resolve maps (account, contract) to a role and next action. A nil contract
// means nothing is loaded yet. Addresses compare by value, so hex case never
// matters.
func Resolve(account common.Address, c *ContractView) Result {
	if c == nil || c.Phase == PhaseCreated {
		return Result{Role: Buyer, NextAction: ActionDeploy}
	}

	r := Buyer
	if account != (common.Address{}) && account == c.Arbiter {
		r = Arbiter
	}

	if c.Phase == PhaseDeployed && r == Arbiter {
		return Result{Role: r, NextAction: ActionApprove}
	}
	return Result{Role: r, NextAction: ActionNone}
}

// Label is the display name for a role.
func (r Role) Label() string {
	switch r {
	case Arbiter:
		return "Arbiter"
	default:
		return "Buyer"
	}
}
