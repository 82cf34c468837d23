package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEscrowStatus = mcp.NewTool("escrow_status",
	mcp.WithDescription(
		"Show the wallet session and the escrow it is working on: active account, ETH balance, "+
			"role (buyer or arbiter), lifecycle phase, status text and the next available action."),
)

var ToolSwitchAccount = mcp.NewTool("switch_account",
	mcp.WithDescription(
		"Switch the session's active account to another account the signer holds. "+
			"The role is resolved again for the new account."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Account address (0x + 40 hex characters)")),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Start drafting a new escrow contract. Only works when no escrow is loaded; "+
			"use reset_escrow first otherwise. Follow with submit_escrow_action to deploy."),
)

var ToolSubmitEscrowAction = mcp.NewTool("submit_escrow_action",
	mcp.WithDescription(
		"Perform the next action for the active account. While drafting, the buyer deploys the escrow "+
			"funded with value ETH (beneficiary, arbiter and value are required). Once deployed, the "+
			"arbiter approves it, releasing the funds to the beneficiary (no arguments needed)."),
	mcp.WithString("beneficiary",
		mcp.Description("Address that receives the funds on approval (deploy only)")),
	mcp.WithString("arbiter",
		mcp.Description("Address allowed to approve the release (deploy only)")),
	mcp.WithString("value",
		mcp.Description("Amount to escrow in ETH, e.g. '1.5' (deploy only)")),
	mcp.WithBoolean("wait",
		mcp.Description("Wait until the transaction is confirmed (default true)")),
)

var ToolLoadEscrow = mcp.NewTool("load_escrow",
	mcp.WithDescription(
		"Load an escrow contract that is already on the ledger, e.g. one the arbiter must approve."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Escrow contract address (0x + 40 hex characters)")),
)

var ToolRecheckApproval = mcp.NewTool("recheck_approval",
	mcp.WithDescription(
		"After an approval whose Approved event was not observed in time, ask the contract "+
			"directly whether it is approved."),
)

var ToolResetEscrow = mcp.NewTool("reset_escrow",
	mcp.WithDescription(
		"Discard the current escrow from the session and return to idle. Refused while a "+
			"transaction is being confirmed. The contract itself stays on the ledger."),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrow contracts this daemon has deployed or loaded, newest first."),
	mcp.WithString("account",
		mcp.Description("Only escrows where this address is buyer, arbiter or beneficiary")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_escrows call to fetch the next page")),
)
