package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleEscrowStatus shows the session and current escrow.
func (h *Handlers) HandleEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Session(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}
	return snapshotResult(raw)
}

// HandleSwitchAccount changes the active account.
func (h *Handlers) HandleSwitchAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	raw, err := h.client.SetAccount(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to switch account: %v", err)), nil
	}
	return snapshotResult(raw)
}

// HandleCreateEscrow starts a draft.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Create(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create escrow: %v", err)), nil
	}
	return snapshotResult(raw)
}

// HandleSubmitEscrowAction deploys or approves, depending on the phase and
// the active account's role.
func (h *Handlers) HandleSubmitEscrowAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	beneficiary := req.GetString("beneficiary", "")
	arbiter := req.GetString("arbiter", "")
	value := req.GetString("value", "")
	wait := req.GetBool("wait", true)

	raw, err := h.client.Action(ctx, beneficiary, arbiter, value, wait)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Action failed: %v", err)), nil
	}

	// An unobserved Approved event comes back as a 202 carrying the
	// snapshot, not as an HTTP error.
	var warn struct {
		Error    string          `json:"error"`
		Message  string          `json:"message"`
		Snapshot json.RawMessage `json:"snapshot"`
	}
	if json.Unmarshal(raw, &warn) == nil && warn.Error != "" && len(warn.Snapshot) > 0 {
		text, err := formatSnapshot(warn.Snapshot)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Warning: %s\nUse recheck_approval to ask the contract directly.\n\n%s", warn.Message, text)), nil
	}
	return snapshotResult(raw)
}

// HandleLoadEscrow adopts an existing contract.
func (h *Handlers) HandleLoadEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	raw, err := h.client.Load(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load escrow: %v", err)), nil
	}
	return snapshotResult(raw)
}

// HandleRecheckApproval re-queries isApproved() after an event timeout.
func (h *Handlers) HandleRecheckApproval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Recheck(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Recheck failed: %v", err)), nil
	}
	var resp struct {
		Approved bool            `json:"approved"`
		Snapshot json.RawMessage `json:"snapshot"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	text, err := formatSnapshot(resp.Snapshot)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	verdict := "The contract does not report approval yet."
	if resp.Approved {
		verdict = "The contract reports the escrow as approved."
	}
	return mcp.NewToolResultText(verdict + "\n\n" + text), nil
}

// HandleResetEscrow returns the session to idle.
func (h *Handlers) HandleResetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Reset(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reset: %v", err)), nil
	}
	return snapshotResult(raw)
}

// HandleListEscrows lists journaled escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	account := req.GetString("account", "")
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.List(ctx, account, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type snapshotView struct {
	Phase      string `json:"phase"`
	Account    string `json:"account"`
	Balance    string `json:"balance"`
	RoleLabel  string `json:"roleLabel"`
	NextAction string `json:"nextAction"`
	Status     string `json:"status"`
	Warning    bool   `json:"warning"`
	ErrorKind  string `json:"errorKind"`
	Error      string `json:"error"`
	Contract   *struct {
		Address     string `json:"address"`
		Buyer       string `json:"buyer"`
		Arbiter     string `json:"arbiter"`
		Beneficiary string `json:"beneficiary"`
		Value       string `json:"value"`
		DeployTx    string `json:"deployTx"`
		ApproveTx   string `json:"approveTx"`
	} `json:"contract"`
}

func snapshotResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	text, err := formatSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func formatSnapshot(raw json.RawMessage) (string, error) {
	var s snapshotView
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	if s.Phase == "" {
		return formatJSON(raw), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Phase: %s\n", s.Phase)
	fmt.Fprintf(&sb, "Status: %s\n", s.Status)
	if s.Account != "" {
		fmt.Fprintf(&sb, "Account: %s (%s ETH)\n", s.Account, s.Balance)
	}
	if s.RoleLabel != "" {
		fmt.Fprintf(&sb, "Role: %s\n", s.RoleLabel)
	}
	if s.NextAction != "" && s.NextAction != "none" {
		fmt.Fprintf(&sb, "Next action: %s\n", s.NextAction)
	}
	if c := s.Contract; c != nil && c.Address != "" {
		sb.WriteString("\nEscrow:\n")
		fmt.Fprintf(&sb, "  Address:     %s\n", c.Address)
		fmt.Fprintf(&sb, "  Buyer:       %s\n", c.Buyer)
		fmt.Fprintf(&sb, "  Arbiter:     %s\n", c.Arbiter)
		fmt.Fprintf(&sb, "  Beneficiary: %s\n", c.Beneficiary)
		fmt.Fprintf(&sb, "  Value:       %s ETH\n", c.Value)
		if c.DeployTx != "" {
			fmt.Fprintf(&sb, "  Deploy tx:   %s\n", c.DeployTx)
		}
		if c.ApproveTx != "" {
			fmt.Fprintf(&sb, "  Approve tx:  %s\n", c.ApproveTx)
		}
	}
	if s.Error != "" {
		fmt.Fprintf(&sb, "\nLast error (%s): %s\n", s.ErrorKind, s.Error)
	}
	if s.Warning {
		sb.WriteString("\nWarning: approval sent but the Approved event was not observed.\n")
	}
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows    []map[string]any `json:"escrows"`
		Count      int              `json:"count"`
		NextCursor string           `json:"next_cursor"`
		HasMore    bool             `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return "No escrows recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d escrow(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, getString(e, "address"), getString(e, "phase"))
		fmt.Fprintf(&sb, "   buyer %s, arbiter %s, beneficiary %s\n",
			getString(e, "buyer"), getString(e, "arbiter"), getString(e, "beneficiary"))
		if v := getString(e, "valueWei"); v != "" {
			fmt.Fprintf(&sb, "   value %s wei\n", v)
		}
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore escrows available. Call list_escrows with cursor %q.\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
