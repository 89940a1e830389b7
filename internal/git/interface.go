// Package git resolves the changesets vigil validates.
package git

import "context"

// RepoOperations locates the repository.
type RepoOperations interface {
	// TopLevel returns the absolute path of the working tree root.
	TopLevel(ctx context.Context) (string, error)
	// HooksDir returns the directory git runs hooks from.
	HooksDir(ctx context.Context) (string, error)
}

// ChangesetOperations computes changeset references and their files.
type ChangesetOperations interface {
	// Head returns the commit HEAD points at, or "" in a repository without commits.
	Head(ctx context.Context) (string, error)
	// WriteTree writes the index as a tree object and returns its id.
	WriteTree(ctx context.Context) (string, error)
	// ChangesetRef returns "<HEAD>..<tree>" for the staged index ("<tree>" without commits).
	ChangesetRef(ctx context.Context) (string, error)
	// ChangedFiles lists the added, copied, modified and renamed files of a changeset ref.
	ChangedFiles(ctx context.Context, ref string) ([]string, error)
}

// Runner combines all git operations vigil uses.
type Runner interface {
	RepoOperations
	ChangesetOperations
}

// Compile-time verification that ExecRunner implements Runner.
var _ Runner = (*ExecRunner)(nil)
