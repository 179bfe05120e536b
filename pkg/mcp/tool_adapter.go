package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/exo/pkg/tool"
)

// ToolCaller runs a tool on a remote server. *Client implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ToolAdapter is a remote MCP tool registered as a local tool.Tool. The
// local name may carry a prefix; calls always use the remote name.
type ToolAdapter struct {
	spec   tool.Spec
	remote string
	caller ToolCaller
}

func NewToolAdapter(t mcp.Tool, caller ToolCaller) (*ToolAdapter, error) {
	switch {
	case t.Name == "":
		return nil, errors.New("mcp tool name is required")
	case caller == nil:
		return nil, errors.New("tool caller is required")
	}
	return &ToolAdapter{spec: SpecFromTool(t), remote: t.Name, caller: caller}, nil
}

// Tools lists the tools of c and adapts each one. A non-empty prefix names
// them "<prefix>_<tool>" locally.
func Tools(ctx context.Context, c *Client, prefix string) ([]tool.Tool, error) {
	remote, err := c.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}
	out := make([]tool.Tool, 0, len(remote))
	for _, rt := range remote {
		a, err := NewToolAdapter(rt, c)
		if err != nil {
			return nil, err
		}
		if prefix != "" {
			a.spec.Name = prefix + "_" + rt.Name
		}
		out = append(out, a)
	}
	return out, nil
}

func (t *ToolAdapter) Spec() tool.Spec { return t.spec }

// Call forwards args, already validated by the registry, to the server.
func (t *ToolAdapter) Call(ctx context.Context, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := t.caller.CallTool(ctx, t.remote, args)
	if err != nil {
		return nil, err
	}
	return output(res)
}

// SpecFromTool derives a tool.Spec from an MCP definition. The input schema
// is forwarded to providers as is; Params mirrors its top-level properties
// for validation. Idempotent and read-only hints both make the tool
// Idempotent.
func SpecFromTool(t mcp.Tool) tool.Spec {
	spec := tool.Spec{
		Name:        t.Name,
		Description: t.Description,
		Params:      map[string]tool.Param{},
		Idempotent:  isTrue(t.Annotations.IdempotentHint) || isTrue(t.Annotations.ReadOnlyHint),
		InputSchema: t.InputSchema,
	}
	props, required := t.InputSchema.Properties, t.InputSchema.Required
	if t.RawInputSchema != nil {
		spec.InputSchema = t.RawInputSchema
		var raw struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		if json.Unmarshal(t.RawInputSchema, &raw) == nil {
			props, required = raw.Properties, raw.Required
		}
	}
	for name, def := range props {
		spec.Params[name] = param(def)
	}
	for _, name := range required {
		p := spec.Params[name]
		p.Required = true
		spec.Params[name] = p
	}
	return spec
}

func param(def any) tool.Param {
	var p tool.Param
	m, _ := def.(map[string]any)
	if m == nil {
		return p
	}
	switch typ := tool.ParamType(fmt.Sprint(m["type"])); typ {
	case tool.TypeString, tool.TypeInteger, tool.TypeNumber, tool.TypeBoolean, tool.TypeArray, tool.TypeObject:
		p.Type = typ
	}
	p.Description, _ = m["description"].(string)
	enum, _ := m["enum"].([]any)
	for _, v := range enum {
		if s, ok := v.(string); ok {
			p.Enum = append(p.Enum, s)
		}
	}
	return p
}

func isTrue(b *bool) bool { return b != nil && *b }

// output prefers structured content, then the text of the content blocks.
// A result flagged IsError becomes an error carrying that text.
func output(res *mcp.CallToolResult) (any, error) {
	if res == nil {
		return nil, errors.New("mcp tool result is nil")
	}
	text := contentText(res.Content)
	switch {
	case res.IsError:
		return nil, fmt.Errorf("mcp tool returned error: %s", text)
	case res.StructuredContent != nil:
		return res.StructuredContent, nil
	case text != "":
		return text, nil
	}
	return res, nil
}

// contentText joins the text blocks of a result. Binary blocks are
// replaced by a placeholder naming their MIME type, which is all a text
// conversation can carry.
func contentText(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch c := item.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		case mcp.ImageContent:
			parts = append(parts, "[image "+c.MIMEType+"]")
		case mcp.AudioContent:
			parts = append(parts, "[audio "+c.MIMEType+"]")
		case mcp.EmbeddedResource:
			if r, ok := c.Resource.(mcp.TextResourceContents); ok {
				parts = append(parts, r.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

var _ tool.Tool = (*ToolAdapter)(nil)
