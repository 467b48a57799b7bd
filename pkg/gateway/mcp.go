package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type pairingListArgs struct{}

type pairingApproveArgs struct {
	Code string `json:"code" jsonschema:"the pairing code to approve"`
}

// mcpHandler builds the MCP surface mounted under /mcp. It exposes the
// pairing workflow as tools so an agent-side MCP client can approve
// senders without shelling out to the CLI.
func (s *Server) mcpHandler() http.Handler {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "picobridge",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "pairing_list",
		Description: "List outstanding pairing codes awaiting approval",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args pairingListArgs) (*mcp.CallToolResult, any, error) {
		pending := s.bridge.Pairings().ListPairingRequests()
		if len(pending) == 0 {
			return textResult("No pending pairing requests."), nil, nil
		}
		var sb strings.Builder
		for _, p := range pending {
			fmt.Fprintf(&sb, "%s  %s  requested %s\n", p.Code, p.Handle, p.CreatedAt.Format("15:04:05"))
		}
		return textResult(sb.String()), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "pairing_approve",
		Description: "Approve a pairing code and allow-list its sender",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args pairingApproveArgs) (*mcp.CallToolResult, any, error) {
		handle, err := s.bridge.Pairings().ClaimPairingCode(args.Code, s.store, "mcp")
		if err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("Approved %s.", handle)), nil, nil
	})

	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
