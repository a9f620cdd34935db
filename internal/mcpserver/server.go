package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "0.1.0")
	client := NewEscrowClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolReleasePayment, h.HandleReleasePayment)
	s.AddTool(ToolReimburse, h.HandleReimburse)
	s.AddTool(ToolRaiseDispute, h.HandleRaiseDispute)
	s.AddTool(ToolSubmitEvidence, h.HandleSubmitEvidence)
	s.AddTool(ToolExecuteEscrow, h.HandleExecuteEscrow)
	s.AddTool(ToolClaimFeeTimeout, h.HandleClaimFeeTimeout)
	s.AddTool(ToolQuoteFee, h.HandleQuoteFee)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)

	return s
}
