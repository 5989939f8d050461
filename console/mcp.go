package console

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/telemd/collector"
	"github.com/hazyhaar/telemd/crash"
	"github.com/hazyhaar/telemd/kit"
)

// RegisterMCP registers the console tools on an MCP server.
func (h *Handler) RegisterMCP(srv *mcp.Server) {
	h.registerQueryTool(srv)
	h.registerTopGuiltiesTool(srv)
	h.registerBlacklistTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- query records ---

type queryReq struct {
	Severity       int    `json:"severity,omitempty"`
	Classification string `json:"classification,omitempty"`
	Build          string `json:"build,omitempty"`
	MachineID      string `json:"machine_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

func (h *Handler) registerQueryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "telemd_query_records",
		Description: "Query telemetry records by severity, classification, build or machine id.",
		InputSchema: inputSchema(map[string]any{
			"severity":       map[string]any{"type": "integer", "description": "Exact severity match"},
			"classification": map[string]any{"type": "string", "description": "Exact classification match"},
			"build":          map[string]any{"type": "string", "description": "Exact build match"},
			"machine_id":     map[string]any{"type": "string", "description": "Exact machine id match"},
			"limit":          map[string]any{"type": "integer", "description": "Maximum records to return"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*queryReq)
		records, err := h.store.QueryRecords(ctx, collector.Filter{
			Severity:       r.Severity,
			Classification: r.Classification,
			Build:          r.Build,
			MachineID:      r.MachineID,
			Limit:          r.Limit,
		})
		if err != nil {
			return nil, err
		}
		views := make([]collector.View, 0, len(records))
		for _, rec := range records {
			views = append(views, rec.View())
		}
		return map[string]any{"records": views}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r queryReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- top guilties ---

type topGuiltiesReq struct {
	Limit int `json:"limit,omitempty"`
}

func (h *Handler) registerTopGuiltiesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "telemd_top_guilties",
		Description: "List crash attribution targets ranked by crash count, hidden entries excluded.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum entries to return (default 10)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*topGuiltiesReq)
		limit := r.Limit
		if limit <= 0 {
			limit = 10
		}
		top, err := h.registry.Top(ctx, limit)
		if err != nil {
			return nil, err
		}
		views := make([]guiltyView, 0, len(top))
		for _, gc := range top {
			gv := toGuiltyView(gc.Guilty)
			gv.Count = gc.Count
			views = append(views, gv)
		}
		return map[string]any{"guilties": views}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r topGuiltiesReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- blacklist ---

type blacklistReq struct {
	Function string `json:"function"`
	Module   string `json:"module"`
	Action   string `json:"action"`
}

func (h *Handler) registerBlacklistTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "telemd_blacklist",
		Description: "Add or remove a (function, module) pair from the guilty blacklist.",
		InputSchema: inputSchema(map[string]any{
			"function": map[string]any{"type": "string", "description": "Frame function name"},
			"module":   map[string]any{"type": "string", "description": "Frame module name"},
			"action":   map[string]any{"type": "string", "enum": []string{"add", "remove"}},
		}, []string{"function", "module", "action"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*blacklistReq)
		fm := []crash.Funcmod{{Function: r.Function, Module: r.Module}}
		var err error
		switch r.Action {
		case "add":
			err = h.registry.BlacklistUpdate(ctx, fm, nil)
		case "remove":
			err = h.registry.BlacklistUpdate(ctx, nil, fm)
		default:
			return nil, errors.New("action should be add or remove")
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r blacklistReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.Function == "" || r.Module == "" {
			return nil, errors.New("function and module are required")
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
