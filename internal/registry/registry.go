// Package registry holds the validator catalog: a read-only mapping from
// tool name to invocation settings, built once per process from configuration.
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/ShayCichocki/vigil/internal/config"
)

// ErrUnknownTool is returned when a tool name is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Placeholders recognised in command templates.
const (
	FilesPlaceholder     = "{files}"
	ChangesetPlaceholder = "{changeset}"
)

// OutputFormat selects how findings are counted.
type OutputFormat string

const (
	// OutputNone classifies by exit code only.
	OutputNone OutputFormat = "none"
	// OutputJSON counts findings through gjson paths on stdout.
	OutputJSON OutputFormat = "json"
	// OutputRegex counts output lines matching regular expressions.
	OutputRegex OutputFormat = "regex"
)

// Tool describes how to invoke one validator.
type Tool struct {
	Name string
	// Args is the command template split into words.
	Args             []string
	Timeout          time.Duration
	Required         bool
	Enabled          bool
	ConcurrencyClass string
	Patterns         []string
	ErrorExitCodes   []int
	// MaxWarnings fails the tool above this many warnings (-1 = no limit).
	MaxWarnings int
	Output      Output
}

// Output describes how to count findings.
type Output struct {
	Format OutputFormat
	// ErrorsPath and WarningsPath are gjson paths (json format).
	ErrorsPath   string
	WarningsPath string
	// ErrorsRegex and WarningsRegex match output lines (regex format).
	ErrorsRegex   *regexp.Regexp
	WarningsRegex *regexp.Regexp
}

// Structured reports whether the tool emits countable output.
func (o Output) Structured() bool {
	return o.Format == OutputJSON || o.Format == OutputRegex
}

// IsErrorExitCode reports whether code is configured to mean the tool itself crashed.
func (t Tool) IsErrorExitCode(code int) bool {
	for _, c := range t.ErrorExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// MatchFiles returns the files selected by the tool's patterns.
// A tool without patterns selects every file.
func (t Tool) MatchFiles(files []string) []string {
	if len(t.Patterns) == 0 {
		return files
	}
	var matched []string
	for _, f := range files {
		for _, p := range t.Patterns {
			if ok, _ := filepath.Match(p, f); ok {
				matched = append(matched, f)
				break
			}
			if ok, _ := filepath.Match(p, filepath.Base(f)); ok {
				matched = append(matched, f)
				break
			}
		}
	}
	return matched
}

// Argv expands the command template. A word that is exactly {files}
// becomes one argument per file; placeholders embedded in a word are
// replaced in place.
func (t Tool) Argv(files []string, changeset string) []string {
	argv := make([]string, 0, len(t.Args)+len(files))
	for _, word := range t.Args {
		if word == FilesPlaceholder {
			argv = append(argv, files...)
			continue
		}
		word = strings.ReplaceAll(word, ChangesetPlaceholder, changeset)
		word = strings.ReplaceAll(word, FilesPlaceholder, strings.Join(files, " "))
		argv = append(argv, word)
	}
	return argv
}

// Registry maps tool names to specs. It is not mutated after New returns.
type Registry struct {
	tools map[string]Tool
	names []string
}

// FromConfig builds a registry from loaded configuration.
func FromConfig(cfg *config.Config) (*Registry, error) {
	return New(cfg.Tools, cfg.Executor.DefaultTimeout)
}

// New builds a registry, validating every tool.
func New(tools map[string]config.ToolConfig, defaultTimeout time.Duration) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for name, tc := range tools {
		tool, err := buildTool(name, tc, defaultTimeout)
		if err != nil {
			return nil, err
		}
		r.tools[name] = tool
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

func buildTool(name string, tc config.ToolConfig, defaultTimeout time.Duration) (Tool, error) {
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return Tool{}, fmt.Errorf("tool %q: invalid name", name)
	}
	args, err := shellquote.Split(tc.Command)
	if err != nil {
		return Tool{}, fmt.Errorf("tool %s: parse command: %w", name, err)
	}
	if len(args) == 0 {
		return Tool{}, fmt.Errorf("tool %s: empty command", name)
	}

	tool := Tool{
		Name:             name,
		Args:             args,
		Timeout:          tc.Timeout,
		Required:         tc.IsRequired(),
		Enabled:          tc.IsEnabled(),
		ConcurrencyClass: tc.ConcurrencyClass,
		Patterns:         tc.Patterns,
		ErrorExitCodes:   tc.ErrorExitCodes,
		MaxWarnings:      -1,
		Output:           Output{Format: OutputFormat(tc.Output.Format)},
	}
	if tool.Timeout <= 0 {
		tool.Timeout = defaultTimeout
	}
	if tc.MaxWarnings != nil {
		tool.MaxWarnings = *tc.MaxWarnings
	}
	for _, p := range tool.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return Tool{}, fmt.Errorf("tool %s: pattern %q: %w", name, p, err)
		}
	}

	switch tool.Output.Format {
	case "", OutputNone:
		tool.Output.Format = OutputNone
	case OutputJSON:
		if tc.Output.Errors == "" && tc.Output.Warnings == "" {
			return Tool{}, fmt.Errorf("tool %s: json output needs an errors or warnings path", name)
		}
		tool.Output.ErrorsPath = tc.Output.Errors
		tool.Output.WarningsPath = tc.Output.Warnings
	case OutputRegex:
		if tc.Output.Errors == "" && tc.Output.Warnings == "" {
			return Tool{}, fmt.Errorf("tool %s: regex output needs an errors or warnings pattern", name)
		}
		if tool.Output.ErrorsRegex, err = compileOptional(tc.Output.Errors); err != nil {
			return Tool{}, fmt.Errorf("tool %s: errors pattern: %w", name, err)
		}
		if tool.Output.WarningsRegex, err = compileOptional(tc.Output.Warnings); err != nil {
			return Tool{}, fmt.Errorf("tool %s: warnings pattern: %w", name, err)
		}
	default:
		return Tool{}, fmt.Errorf("tool %s: unknown output format %q", name, tool.Output.Format)
	}
	return tool, nil
}

func compileOptional(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}

// Resolve returns the named tool.
func (r *Registry) Resolve(name string) (Tool, error) {
	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%s: %w", name, ErrUnknownTool)
	}
	return tool, nil
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Enabled returns the enabled tools sorted by name.
func (r *Registry) Enabled() []Tool {
	var tools []Tool
	for _, name := range r.names {
		if t := r.tools[name]; t.Enabled {
			tools = append(tools, t)
		}
	}
	return tools
}

// Required returns the names of enabled required tools, sorted.
func (r *Registry) Required() []string {
	var names []string
	for _, t := range r.Enabled() {
		if t.Required {
			names = append(names, t.Name)
		}
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}
