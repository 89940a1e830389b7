package executor

import (
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/internal/registry"
	"github.com/ShayCichocki/vigil/pkg/models"
)

func jsonTool() registry.Tool {
	return registry.Tool{
		Name:           "lint",
		Required:       true,
		MaxWarnings:    -1,
		ErrorExitCodes: []int{2},
		Output:         registry.Output{Format: registry.OutputJSON, ErrorsPath: "errors", WarningsPath: "warnings"},
	}
}

func TestClassify(t *testing.T) {
	plain := registry.Tool{Name: "fmt", MaxWarnings: -1, Output: registry.Output{Format: registry.OutputNone}}
	strict := jsonTool()
	strict.MaxWarnings = 1

	tests := []struct {
		name string
		tool registry.Tool
		res  exec.Result
		want models.ToolStatus
		errs int
	}{
		{"exit zero plain", plain, exec.Result{}, models.ToolPassed, 0},
		{"exit non-zero plain", plain, exec.Result{ExitCode: 1}, models.ToolFailed, 0},
		{"signal", plain, exec.Result{ExitCode: -1}, models.ToolError, 0},
		{"timed out", plain, exec.Result{ExitCode: -1, TimedOut: true}, models.ToolTimeout, 0},
		{"cancelled", plain, exec.Result{ExitCode: -1, Canceled: true}, models.ToolSkipped, 0},
		{"json clean", jsonTool(), exec.Result{Stdout: []byte(`{"errors":[],"warnings":[]}`)}, models.ToolPassed, 0},
		{"json errors on exit zero", jsonTool(), exec.Result{Stdout: []byte(`{"errors":[{"m":"x"},{"m":"y"}]}`)}, models.ToolFailed, 2},
		{"json numeric count", jsonTool(), exec.Result{ExitCode: 1, Stdout: []byte(`{"errors":3}`)}, models.ToolFailed, 3},
		{"json findings absent on failure", jsonTool(), exec.Result{ExitCode: 1, Stdout: []byte(`{}`)}, models.ToolError, 0},
		{"json invalid", jsonTool(), exec.Result{Stdout: []byte(`not json`)}, models.ToolError, 0},
		{"json empty stdout", jsonTool(), exec.Result{}, models.ToolPassed, 0},
		{"error exit code", jsonTool(), exec.Result{ExitCode: 2, Stdout: []byte(`{"errors":[1]}`)}, models.ToolError, 1},
		{"warnings under limit", strict, exec.Result{Stdout: []byte(`{"warnings":[1]}`)}, models.ToolPassed, 0},
		{"warnings over limit", strict, exec.Result{Stdout: []byte(`{"warnings":[1,2]}`)}, models.ToolFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.tool, tt.res, 256)
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s (excerpt %q)", got.Status, tt.want, got.OutputExcerpt)
			}
			if got.ErrorCount != tt.errs {
				t.Errorf("errors = %d, want %d", got.ErrorCount, tt.errs)
			}
			if got.ToolName != tt.tool.Name || got.Required != tt.tool.Required {
				t.Errorf("identity not carried over: %+v", got)
			}
		})
	}
}

func TestCountFindings_Regex(t *testing.T) {
	out := registry.Output{
		Format:        registry.OutputRegex,
		ErrorsRegex:   regexp.MustCompile(`^E\d+`),
		WarningsRegex: regexp.MustCompile(`^W\d+`),
	}
	errs, warns, err := CountFindings(out, []byte("E1 bad\nW1 meh\nok\n"), []byte("E2 worse\n"))
	if err != nil {
		t.Fatalf("CountFindings failed: %v", err)
	}
	if errs != 2 || warns != 1 {
		t.Errorf("CountFindings() = %d, %d; want 2, 1", errs, warns)
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt([]byte("out\n"), []byte("err\n"), 100); got != "out\nerr" {
		t.Errorf("Excerpt() = %q", got)
	}

	long := strings.Repeat("a", 50) + "end"
	got := Excerpt([]byte(long), nil, 10)
	if len(got) > 10 || !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, "end") {
		t.Errorf("Excerpt() = %q, want bounded tail", got)
	}

	multi := strings.Repeat("é", 20)
	got = Excerpt([]byte(multi), nil, 8)
	if !utf8.ValidString(got) || len(got) > 8 {
		t.Errorf("Excerpt() = %q, want valid UTF-8 within limit", got)
	}
}

func TestClassify_InvalidJSONExplained(t *testing.T) {
	got := Classify(jsonTool(), exec.Result{Stdout: []byte("garbage")}, 256)
	if !strings.Contains(got.OutputExcerpt, errInvalidJSON.Error()) {
		t.Errorf("excerpt %q does not explain the parse failure", got.OutputExcerpt)
	}
}
