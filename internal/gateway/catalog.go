package gateway

import "ContextHub/internal/mcp"

// Well-known tool names served by the gateway.
const (
	ToolExecuteCode   = "execute_code"
	ToolSearchWeb     = "search_web"
	ToolGenerateImage = "generate_image"
)

// Resource URIs readable through resources/read.
const (
	ResourceContext  = "memory://context"
	ResourceSessions = "memory://sessions"
)

// Tools returns the static tool catalog. The slice is freshly built on each
// call so callers may modify it.
func Tools() []mcp.ToolInfo {
	return []mcp.ToolInfo{
		{
			Name:        ToolExecuteCode,
			Description: "Execute code in a sandboxed environment",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code":     map[string]any{"type": "string", "description": "Source code to run"},
					"language": map[string]any{"type": "string", "description": "Programming language", "default": "python"},
				},
				"required": []string{"code"},
			},
		},
		{
			Name:        ToolSearchWeb,
			Description: "Search the web for information",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string", "description": "Search query"},
					"num_results": map[string]any{"type": "integer", "description": "Maximum number of results", "default": 10},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolGenerateImage,
			Description: "Generate an image from a text prompt",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{"type": "string", "description": "Image description"},
					"size":   map[string]any{"type": "string", "description": "Image dimensions", "default": "1024x1024"},
				},
				"required": []string{"prompt"},
			},
		},
	}
}

// Resources returns the static resource descriptors.
func Resources() []mcp.ResourceInfo {
	return []mcp.ResourceInfo{
		{
			URI:         ResourceContext,
			Name:        "Session contexts",
			Description: "Snapshot of every session's conversation context",
			MimeType:    "application/json",
		},
		{
			URI:         ResourceSessions,
			Name:        "Active sessions",
			Description: "Identifiers of every session with a context",
			MimeType:    "application/json",
		},
	}
}

func knownTool(name string) bool {
	switch name {
	case ToolExecuteCode, ToolSearchWeb, ToolGenerateImage:
		return true
	}
	return false
}
