package executor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/internal/registry"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// NoMatchingFiles is the excerpt of a tool skipped because its patterns
// selected nothing in the changeset.
const NoMatchingFiles = "no matching files"

// errInvalidJSON is returned when a json-format tool prints something other than JSON.
var errInvalidJSON = errors.New("output is not valid JSON")

// Classify turns a finished process into a tool result. Status rules:
//   - timeout when the process was killed for exceeding its timeout
//   - skipped when it was killed by cancellation
//   - error for configured error exit codes, unparseable output, death by
//     signal, or a non-zero exit of a structured tool that reported nothing
//   - failed for exit 0 with errors or warnings above the threshold, for a
//     non-zero exit with findings, and for a non-zero exit of an
//     exit-code-only tool
//   - passed otherwise
func Classify(tool registry.Tool, res exec.Result, excerptBytes int) models.ToolResult {
	result := models.ToolResult{
		ToolName:      tool.Name,
		Duration:      res.Duration,
		Required:      tool.Required,
		OutputExcerpt: Excerpt(res.Stdout, res.Stderr, excerptBytes),
	}

	switch {
	case res.TimedOut:
		result.Status = models.ToolTimeout
		return result
	case res.Canceled:
		result.Status = models.ToolSkipped
		return result
	}

	errs, warns, parseErr := CountFindings(tool.Output, res.Stdout, res.Stderr)
	result.ErrorCount = errs
	result.WarningCount = warns

	switch {
	case tool.IsErrorExitCode(res.ExitCode):
		result.Status = models.ToolError
	case parseErr != nil:
		result.Status = models.ToolError
		result.OutputExcerpt = joinExcerpt(parseErr.Error(), result.OutputExcerpt, excerptBytes)
	case res.ExitCode < 0:
		result.Status = models.ToolError
	case res.ExitCode == 0:
		if errs > 0 || (tool.MaxWarnings >= 0 && warns > tool.MaxWarnings) {
			result.Status = models.ToolFailed
		} else {
			result.Status = models.ToolPassed
		}
	case !tool.Output.Structured():
		result.Status = models.ToolFailed
	case errs+warns > 0:
		result.Status = models.ToolFailed
	default:
		result.Status = models.ToolError
	}
	return result
}

// CountFindings counts errors and warnings according to the output settings.
// Exit-code-only tools always report zero.
func CountFindings(out registry.Output, stdout, stderr []byte) (errs, warns int, err error) {
	switch out.Format {
	case registry.OutputJSON:
		trimmed := bytes.TrimSpace(stdout)
		if len(trimmed) == 0 {
			return 0, 0, nil
		}
		if !gjson.ValidBytes(trimmed) {
			return 0, 0, errInvalidJSON
		}
		return jsonCount(trimmed, out.ErrorsPath), jsonCount(trimmed, out.WarningsPath), nil
	case registry.OutputRegex:
		for _, stream := range [][]byte{stdout, stderr} {
			scanner := bufio.NewScanner(bytes.NewReader(stream))
			scanner.Buffer(make([]byte, 64*1024), 1<<20)
			for scanner.Scan() {
				line := scanner.Bytes()
				if out.ErrorsRegex != nil && out.ErrorsRegex.Match(line) {
					errs++
				}
				if out.WarningsRegex != nil && out.WarningsRegex.Match(line) {
					warns++
				}
			}
		}
		return errs, warns, nil
	default:
		return 0, 0, nil
	}
}

// jsonCount evaluates a gjson path: arrays count their elements, numbers are used as-is.
func jsonCount(doc []byte, path string) int {
	if path == "" {
		return 0
	}
	v := gjson.GetBytes(doc, path)
	switch {
	case !v.Exists():
		return 0
	case v.IsArray():
		return len(v.Array())
	case v.Type == gjson.Number:
		if n := v.Int(); n > 0 {
			return int(n)
		}
		return 0
	default:
		return 0
	}
}

// Excerpt returns a bounded tail of the combined output.
func Excerpt(stdout, stderr []byte, limit int) string {
	var b strings.Builder
	b.Write(bytes.TrimRight(stdout, "\n"))
	if s := bytes.TrimRight(stderr, "\n"); len(s) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.Write(s)
	}
	return tail(b.String(), limit)
}

func joinExcerpt(head, body string, limit int) string {
	if body == "" {
		return tail(head, limit)
	}
	return tail(head+"\n"+body, limit)
}

// tail keeps the last limit bytes of s on a rune boundary.
func tail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return strings.ToValidUTF8(s, "")
	}
	const marker = "..."
	if limit <= len(marker) {
		return marker[:limit]
	}
	cut := s[len(s)-(limit-len(marker)):]
	for len(cut) > 0 && !utf8.RuneStart(cut[0]) {
		cut = cut[1:]
	}
	return marker + strings.ToValidUTF8(cut, "")
}

// startFailure is the result of a tool whose process could not be started.
func startFailure(tool registry.Tool, err error, excerptBytes int) models.ToolResult {
	return models.ToolResult{
		ToolName:      tool.Name,
		Status:        models.ToolError,
		Required:      tool.Required,
		OutputExcerpt: tail(err.Error(), excerptBytes),
	}
}

// panicFailure is the result of a tool whose invocation panicked inside vigil.
func panicFailure(tool registry.Tool, value string, excerptBytes int) models.ToolResult {
	return models.ToolResult{
		ToolName:      tool.Name,
		Status:        models.ToolError,
		Required:      tool.Required,
		OutputExcerpt: tail(fmt.Sprintf("internal error: %s", value), excerptBytes),
	}
}
