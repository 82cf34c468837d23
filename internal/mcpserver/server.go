package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("ethescrow", "0.1.0")
	client := NewEscrowClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolEscrowStatus, h.HandleEscrowStatus)
	s.AddTool(ToolSwitchAccount, h.HandleSwitchAccount)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolSubmitEscrowAction, h.HandleSubmitEscrowAction)
	s.AddTool(ToolLoadEscrow, h.HandleLoadEscrow)
	s.AddTool(ToolRecheckApproval, h.HandleRecheckApproval)
	s.AddTool(ToolResetEscrow, h.HandleResetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)

	return s
}
