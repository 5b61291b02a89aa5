// Package remote provides node control for the harness: executing commands
// on cluster nodes and moving files to and from them. The core consumes
// only the Remote interface; the SSH implementation lives alongside it.
//
// Mutating operations (process start/stop, config rewrites) are serialized
// per node through a named-lock registry; read-only operations run with
// unbounded parallelism.
package remote

import (
	"context"
)

// ExecResult carries the outcome of a remote command.
type ExecResult struct {
	Stdout string
	Stderr string
	Exit   int
}

// Remote is the node-control capability. Exec runs a command with
// unbounded parallelism; ExecExclusive serializes against other exclusive
// calls on the same node and is required for mutating operations.
type Remote interface {
	Exec(ctx context.Context, node, cmd string) (ExecResult, error)
	ExecExclusive(ctx context.Context, node, cmd string) (ExecResult, error)
	Upload(ctx context.Context, node, localPath, remotePath string) error
	Download(ctx context.Context, node, remotePath, localPath string) error
	Close() error
}
