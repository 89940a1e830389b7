package git

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/vigil/internal/exec"
)

// ExecRunner implements Runner by invoking the git binary.
type ExecRunner struct {
	repoPath string
	cmd      exec.CommandRunner
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return NewRunnerWith(repoPath, exec.NewRunner())
}

// NewRunnerWith creates a git runner that executes through cmd.
func NewRunnerWith(repoPath string, cmd exec.CommandRunner) *ExecRunner {
	return &ExecRunner{repoPath: repoPath, cmd: cmd}
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	out, err := r.cmd.Run(ctx, r.repoPath, "git", args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// TopLevel returns the absolute path of the working tree root.
func (r *ExecRunner) TopLevel(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--show-toplevel")
}

// HooksDir returns the hooks directory, honouring core.hooksPath.
func (r *ExecRunner) HooksDir(ctx context.Context) (string, error) {
	dir, err := r.run(ctx, "rev-parse", "--git-path", "hooks")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(dir) && r.repoPath != "" {
		dir = filepath.Join(r.repoPath, dir)
	}
	return dir, nil
}

// Head returns the commit HEAD points at, or "" before the first commit.
func (r *ExecRunner) Head(ctx context.Context) (string, error) {
	out, err := r.cmd.Run(ctx, r.repoPath, "git", "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		// --quiet exits 1 with no output when HEAD does not resolve yet.
		if strings.TrimSpace(string(out)) == "" {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// WriteTree writes the index as a tree object.
func (r *ExecRunner) WriteTree(ctx context.Context) (string, error) {
	return r.run(ctx, "write-tree")
}

// ChangesetRef returns the reference for the currently staged changeset.
func (r *ExecRunner) ChangesetRef(ctx context.Context) (string, error) {
	tree, err := r.WriteTree(ctx)
	if err != nil {
		return "", fmt.Errorf("write tree: %w", err)
	}
	head, err := r.Head(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return FormatRef(head, tree), nil
}

// ChangedFiles lists the files a changeset ref adds or modifies.
func (r *ExecRunner) ChangedFiles(ctx context.Context, ref string) ([]string, error) {
	base, tree := ParseRef(ref)
	if tree == "" {
		return nil, fmt.Errorf("invalid changeset ref %q", ref)
	}

	var out string
	var err error
	if base == "" {
		out, err = r.run(ctx, "ls-tree", "-r", "--name-only", tree)
	} else {
		out, err = r.run(ctx, "diff", "--name-only", "--diff-filter=ACMR", base, tree)
	}
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// FormatRef builds a changeset ref from a base commit and a tree.
func FormatRef(base, tree string) string {
	if base == "" {
		return tree
	}
	return base + ".." + tree
}

// ParseRef splits a changeset ref into its base commit and tree.
// base is "" for a root changeset.
func ParseRef(ref string) (base, tree string) {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, ".."); i >= 0 {
		return ref[:i], ref[i+2:]
	}
	return "", ref
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
