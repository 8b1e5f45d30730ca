package attrwatch

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/attrwatch/attrwatch/message"
	"github.com/hazyhaar/attrwatch/kit"
)

// RegisterMCP exposes the engine's operations as MCP tools on srv.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	idProp := map[string]any{"type": "integer", "description": "Watcher id returned by attrwatch_add_watcher"}

	registerTool[message.AddWatcher](e, srv, "attrwatch_add_watcher",
		"Watch an attribute (or textContent, innerText, innerHTML) of the element a CSS selector or XPath designates.",
		inputSchema(map[string]any{
			"elementSelector": map[string]any{"type": "string", "description": "CSS selector, or XPath prefixed with xpath:"},
			"attribute":       map[string]any{"type": "string", "description": "Attribute name or content channel"},
			"name":            map[string]any{"type": "string", "description": "Display name"},
		}, []string{"elementSelector", "attribute"}))

	registerTool[message.RemoveWatcher](e, srv, "attrwatch_remove_watcher",
		"Stop and forget a watcher.",
		inputSchema(map[string]any{"watcherId": idProp}, []string{"watcherId"}))

	registerTool[message.ToggleWatcher](e, srv, "attrwatch_toggle_watcher",
		"Pause a live watcher or resume a paused one.",
		inputSchema(map[string]any{"watcherId": idProp}, []string{"watcherId"}))

	registerTool[message.GetStatus](e, srv, "attrwatch_status",
		"List watchers and the change log, newest first.",
		inputSchema(map[string]any{}, nil))

	registerTool[message.GetLogs](e, srv, "attrwatch_get_logs",
		"Return the change log, optionally for one watcher.",
		inputSchema(map[string]any{"watcherId": idProp}, nil))

	registerTool[message.ClearLogs](e, srv, "attrwatch_clear_logs",
		"Empty the change log. Watchers keep running.",
		inputSchema(map[string]any{}, nil))

	registerTool[message.DescribeElement](e, srv, "attrwatch_describe",
		"Describe an element and synthesize a stable selector for it.",
		inputSchema(map[string]any{
			"xpath":    map[string]any{"type": "string"},
			"selector": map[string]any{"type": "string"},
		}, nil))

	registerTool[message.ExportLogs](e, srv, "attrwatch_export",
		"Export watchers and their log as json, csv, txt or markdown.",
		inputSchema(map[string]any{
			"watcherId": idProp,
			"format":    map[string]any{"type": "string", "enum": []string{"json", "csv", "txt", "markdown"}},
		}, nil))
}

func registerTool[T message.Request](e *Engine, srv *mcp.Server, name, desc string, schema map[string]any) {
	endpoint := func(ctx context.Context, req any) (any, error) {
		resp := e.Dispatch(ctx, *req.(*T))
		if f, ok := resp.(message.Failure); ok {
			return nil, fmt.Errorf("%s: %s", f.Code, f.Error)
		}
		return resp, nil
	}
	mw := kit.Chain(kit.Recovery(e.logger), kit.Logging(e.logger, name))
	kit.RegisterMCPTool(srv, &mcp.Tool{Name: name, Description: desc, InputSchema: schema}, mw(endpoint), kit.DecodeArgs[T])
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
