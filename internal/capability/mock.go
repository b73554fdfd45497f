package capability

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// Mock answers the three built-in tools with deterministic canned results.
type Mock struct{}

// Invoke implements Invoker.
func (Mock) Invoke(_ context.Context, tool string, args map[string]any) (map[string]any, error) {
	switch tool {
	case "execute_code":
		code, _ := args["code"].(string)
		language := stringArg(args, "language", "python")
		return map[string]any{
			"language": language,
			"output":   fmt.Sprintf("Mock execution of %d bytes of %s code", len(code), language),
			"exitCode": 0,
		}, nil

	case "search_web":
		query, _ := args["query"].(string)
		n := intArg(args, "num_results", 3)
		results := make([]map[string]any, 0, n)
		for i := range n {
			results = append(results, map[string]any{
				"title":   fmt.Sprintf("Result %d for %s", i+1, query),
				"url":     fmt.Sprintf("https://example.com/search/%d", i+1),
				"snippet": fmt.Sprintf("Mock search result %d", i+1),
			})
		}
		return map[string]any{"query": query, "results": results}, nil

	case "generate_image":
		prompt, _ := args["prompt"].(string)
		size := stringArg(args, "size", "1024x1024")
		return map[string]any{
			"prompt": prompt,
			"size":   size,
			"url":    fmt.Sprintf("mock://images/%x.png", sha256.Sum256([]byte(prompt+size))),
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNoProvider, tool)
}

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// intArg reads a JSON number argument, clamped to [1, 10].
func intArg(args map[string]any, key string, def int) int {
	n := def
	switch v := args[key].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	}
	return min(max(n, 1), 10)
}
