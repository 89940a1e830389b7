package config

import (
	"go.yaml.in/yaml/v3"
)

// ExampleProjectYAML returns a starter .vigil.yaml with a typical Go toolchain.
func ExampleProjectYAML() ([]byte, error) {
	doc := map[string]any{
		"mode":      map[string]any{"non_blocking": true},
		"executor":  map[string]any{"workers": 0, "class_limits": map[string]int{"heavy": 1}},
		"retention": map[string]any{"max_age": "720h", "keep_last": 50},
		"tools": map[string]any{
			"gofmt": map[string]any{
				"command":  "gofmt -l {files}",
				"patterns": []string{"*.go"},
				"timeout":  "1m",
				"output":   map[string]any{"format": "regex", "errors": `\.go$`},
			},
			"vet": map[string]any{
				"command":           "go vet ./...",
				"timeout":           "5m",
				"concurrency_class": "heavy",
			},
			"golangci-lint": map[string]any{
				"command":           "golangci-lint run --out-format json",
				"timeout":           "10m",
				"concurrency_class": "heavy",
				"error_exit_codes":  []int{2, 3},
				"output":            map[string]any{"format": "json", "errors": "Issues"},
			},
			"codespell": map[string]any{
				"command":  "codespell {files}",
				"required": false,
				"output":   map[string]any{"format": "regex", "warnings": `==>`},
			},
		},
	}
	return yaml.Marshal(doc)
}
