// Package contract binds the three-party escrow contract: its ABI, the
// calldata for deploy and approve, the Approved event topic, and read-only
// metadata queries used to load an existing escrow.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrNoBytecode   = errors.New("contract: escrow bytecode not configured")
	ErrBadBytecode  = errors.New("contract: invalid escrow bytecode")
	ErrNotEscrow    = errors.New("contract: address does not hold an escrow contract")
	ErrUnexpectedTy = errors.New("contract: unexpected return type")
)

// EscrowABI is the interface of the deployed escrow.
const EscrowABI = `[
	{"inputs":[{"name":"_arbiter","type":"address"},{"name":"_beneficiary","type":"address"}],"stateMutability":"payable","type":"constructor"},
	{"inputs":[],"name":"approve","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"arbiter","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"beneficiary","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"depositor","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"isApproved","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[],"name":"Approved","type":"event"}
]`

var parsed abi.ABI

// ApprovedTopic is topic[0] of the Approved() log.
var ApprovedTopic common.Hash

func init() {
	var err error
	parsed, err = abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		panic("contract: parse escrow ABI: " + err.Error())
	}
	ApprovedTopic = parsed.Events["Approved"].ID
}

// ABI returns the parsed escrow ABI.
func ABI() abi.ABI {
	return parsed
}

// ParseBytecode decodes a hex creation bytecode with or without 0x prefix.
func ParseBytecode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoBytecode
	}
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	code, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBytecode, err)
	}
	return code, nil
}

// DeployData returns creation bytecode followed by the packed constructor
// arguments.
func DeployData(bytecode []byte, arbiter, beneficiary common.Address) ([]byte, error) {
	if len(bytecode) == 0 {
		return nil, ErrNoBytecode
	}
	args, err := parsed.Pack("", arbiter, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("contract: pack constructor: %w", err)
	}
	data := make([]byte, 0, len(bytecode)+len(args))
	data = append(data, bytecode...)
	return append(data, args...), nil
}

// ApproveData returns calldata for approve().
func ApproveData() []byte {
	data, err := parsed.Pack("approve")
	if err != nil {
		panic("contract: pack approve: " + err.Error())
	}
	return data
}

// Caller is the read-only ledger surface Load needs.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Metadata is the on-chain view of an escrow contract.
type Metadata struct {
	Address     common.Address
	Depositor   common.Address
	Arbiter     common.Address
	Beneficiary common.Address
	Approved    bool
	// Balance is the value still held; zero once approved funds are released.
	Balance *big.Int
}

// Load reads an escrow's parties and approval flag from the ledger.
func Load(ctx context.Context, c Caller, addr common.Address) (*Metadata, error) {
	md := &Metadata{Address: addr}

	var err error
	if md.Arbiter, err = callAddress(ctx, c, addr, "arbiter"); err != nil {
		return nil, err
	}
	if md.Beneficiary, err = callAddress(ctx, c, addr, "beneficiary"); err != nil {
		return nil, err
	}
	if md.Depositor, err = callAddress(ctx, c, addr, "depositor"); err != nil {
		return nil, err
	}
	if md.Approved, err = IsApproved(ctx, c, addr); err != nil {
		return nil, err
	}

	md.Balance, err = c.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("contract: balance of %s: %w", addr.Hex(), err)
	}
	return md, nil
}

// IsApproved queries isApproved() on the escrow at addr.
func IsApproved(ctx context.Context, c Caller, addr common.Address) (bool, error) {
	out, err := call(ctx, c, addr, "isApproved")
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: isApproved", ErrUnexpectedTy)
	}
	return v, nil
}

func callAddress(ctx context.Context, c Caller, addr common.Address, method string) (common.Address, error) {
	out, err := call(ctx, c, addr, method)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnexpectedTy, method)
	}
	return v, nil
}

func call(ctx context.Context, c Caller, addr common.Address, method string) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("contract: pack %s: %w", method, err)
	}

	result, err := c.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract: call %s: %w", method, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotEscrow, addr.Hex())
	}

	out, err := parsed.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("contract: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned nothing", ErrUnexpectedTy, method)
	}
	return out, nil
}
