package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers all harvest tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerRunTask(srv)
	s.registerTaskStatus(srv)
	s.registerListChunks(srv)
	s.registerStoreStats(srv)
	s.registerResetTask(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// registerTool adapts a decode+endpoint pair into an MCP tool handler. Tool
// errors become error results on the protocol, never transport failures.
func registerTool(srv *mcp.Server, tool *mcp.Tool,
	endpoint func(ctx context.Context, req any) (any, error),
	decode func(*mcp.CallToolRequest) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}

		resp, err := endpoint(ctx, decoded)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func (s *Service) registerRunTask(srv *mcp.Server) {
	type req struct {
		TaskID string `json:"task_id"`
		Force  bool   `json:"force"`
	}

	tool := &mcp.Tool{
		Name:        "harvest_run_task",
		Description: "Run a harvest task to completion and return its report",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Playbook task ID"},
			"force":   map[string]any{"type": "boolean", "description": "Reset done chunks and re-harvest the whole window"},
		}, []string{"task_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.RunTask(ctx, p.TaskID, p.Force)
	}

	registerTool(srv, tool, endpoint, func(r *mcp.CallToolRequest) (any, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

func (s *Service) registerTaskStatus(srv *mcp.Server) {
	type req struct {
		TaskID string `json:"task_id"`
	}

	tool := &mcp.Tool{
		Name:        "harvest_task_status",
		Description: "Report chunk counts and running state for a harvest task",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Playbook task ID"},
		}, []string{"task_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.Status(ctx, p.TaskID)
	}

	registerTool(srv, tool, endpoint, func(r *mcp.CallToolRequest) (any, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

func (s *Service) registerListChunks(srv *mcp.Server) {
	type req struct {
		TaskID string `json:"task_id"`
	}

	tool := &mcp.Tool{
		Name:        "harvest_list_chunks",
		Description: "List every chunk of a harvest task with status and period",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Playbook task ID"},
		}, []string{"task_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.Chunks(ctx, p.TaskID)
	}

	registerTool(srv, tool, endpoint, func(r *mcp.CallToolRequest) (any, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

func (s *Service) registerStoreStats(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "harvest_store_stats",
		Description: "Report record count, size and freshness of every category store",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return s.StoreStats()
	}

	registerTool(srv, tool, endpoint, func(*mcp.CallToolRequest) (any, error) {
		return nil, nil
	})
}

func (s *Service) registerResetTask(srv *mcp.Server) {
	type req struct {
		TaskID string `json:"task_id"`
	}

	tool := &mcp.Tool{
		Name:        "harvest_reset_task",
		Description: "Reset a task's chunks to pending so the next run re-harvests them",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Playbook task ID"},
		}, []string{"task_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		n, err := s.Reset(ctx, p.TaskID)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"reset": n}, nil
	}

	registerTool(srv, tool, endpoint, func(r *mcp.CallToolRequest) (any, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}
