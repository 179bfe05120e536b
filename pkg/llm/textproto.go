package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Markers of the plain-text tool call protocol used with models that have no
// native tool calling:
//
//	I'll search for relevant websites first.
//	USE_TOOL: web_search
//	PARAMETERS: {"query": "example query", "num_results": 3}
const (
	TextToolMarker   = "USE_TOOL:"
	TextParamsMarker = "PARAMETERS:"
)

// ParseTextToolCall extracts a text-protocol tool call from content.
// It returns the call, the text preceding the marker and whether a call was
// present. A marker with a missing name or undecodable parameters is an
// InvalidResponse error.
func ParseTextToolCall(content string) (ToolCall, string, bool, error) {
	idx := strings.Index(content, TextToolMarker)
	if idx < 0 {
		return ToolCall{}, "", false, nil
	}
	preface := strings.TrimSpace(content[:idx])
	rest := content[idx+len(TextToolMarker):]

	namePart, paramsPart, hasParams := strings.Cut(rest, TextParamsMarker)
	name := strings.TrimSpace(namePart)
	if line, _, ok := strings.Cut(name, "\n"); ok {
		name = strings.TrimSpace(line)
	}
	if name == "" {
		return ToolCall{}, preface, true, &ProviderError{
			Provider: "text-protocol",
			Kind:     KindInvalidResponse,
			Message:  "tool call without a tool name",
		}
	}

	args := "{}"
	if hasParams {
		dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(paramsPart)))
		dec.UseNumber()
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return ToolCall{}, preface, true, &ProviderError{
				Provider: "text-protocol",
				Kind:     KindInvalidResponse,
				Message:  fmt.Sprintf("malformed parameters for %s", name),
				Err:      err,
			}
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return ToolCall{}, preface, true, &ProviderError{
				Provider: "text-protocol",
				Kind:     KindInvalidResponse,
				Message:  fmt.Sprintf("parameters for %s must be a JSON object", name),
			}
		}
		args = string(trimmed)
	}

	return ToolCall{
		Type:     ToolTypeFunction,
		Function: FunctionCall{Name: name, Arguments: args},
	}, preface, true, nil
}

// TextToolPrompt renders the instructions that teach a model the text tool
// call protocol for the given tools.
func TextToolPrompt(tools []Tool) string {
	var b strings.Builder
	b.WriteString("You have access to these tools:\n\n")
	for i, t := range tools {
		params, _ := json.Marshal(t.Function.Parameters)
		fmt.Fprintf(&b, "%d. %s: %s\n   Parameters: %s\n\n", i+1, t.Function.Name, t.Function.Description, params)
	}
	b.WriteString("When you need to use a tool, format your response like this:\n")
	b.WriteString(TextToolMarker + " <tool_name>\n")
	b.WriteString(TextParamsMarker + " <parameters as json>\n\n")
	b.WriteString("After getting tool results, you can use another tool or provide the final answer.\n")
	b.WriteString("Always explain your thinking before using a tool.")
	return b.String()
}

// ResolveToolCall classifies a provider response. Structured tool calls win;
// when textProtocol is set the content is also scanned for a text tool call.
// A nil call means the response is a final answer.
func ResolveToolCall(resp *ChatResponse, textProtocol bool) (*ToolCall, error) {
	if call, ok := resp.ToolCall(); ok {
		return &call, nil
	}
	if !textProtocol || resp == nil {
		return nil, nil
	}
	call, _, found, err := ParseTextToolCall(resp.Content)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &call, nil
}
