package role

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

var (
	arbiter  = common.HexToAddress("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")
	stranger = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		account common.Address
		view    *ContractView
		want    Result
	}{
		{"nothing loaded", stranger, nil, Result{Buyer, ActionDeploy}},
		{"drafting", stranger, &ContractView{Phase: PhaseCreated}, Result{Buyer, ActionDeploy}},
		{"arbiter on deployed", arbiter, &ContractView{Arbiter: arbiter, Phase: PhaseDeployed}, Result{Arbiter, ActionApprove}},
		{"observer on deployed", stranger, &ContractView{Arbiter: arbiter, Phase: PhaseDeployed}, Result{Buyer, ActionNone}},
		{"arbiter on approved", arbiter, &ContractView{Arbiter: arbiter, Phase: PhaseApproved}, Result{Arbiter, ActionNone}},
		{"observer on approved", stranger, &ContractView{Arbiter: arbiter, Phase: PhaseApproved}, Result{Buyer, ActionNone}},
		{"no account", common.Address{}, &ContractView{Phase: PhaseDeployed}, Result{Buyer, ActionNone}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.account, tt.view))
		})
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	lower := common.HexToAddress("0xabcdef0123456789abcdef0123456789abcdef01")
	view := &ContractView{Arbiter: arbiter, Phase: PhaseDeployed}
	assert.Equal(t, Result{Arbiter, ActionApprove}, Resolve(lower, view))
}

func TestResolve_Pure(t *testing.T) {
	view := &ContractView{Arbiter: arbiter, Phase: PhaseDeployed}
	before := *view

	first := Resolve(arbiter, view)
	second := Resolve(arbiter, view)

	assert.Equal(t, first, second)
	assert.Equal(t, before, *view, "Resolve must not mutate its input")
}

func TestRoleLabel(t *testing.T) {
	assert.Equal(t, "Buyer", Buyer.Label())
	assert.Equal(t, "Arbiter", Arbiter.Label())
}
