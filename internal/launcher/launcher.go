// Package launcher abstracts "ensure a child computing unit exists" the
// way the teacher's container.Manager does for Docker containers,
// generalized here to any process that speaks JSON-RPC on stdio: a
// direct os/exec child (ProcessLauncher) or a per-user Docker container
// (ContainerLauncher) attached to over the Docker API instead of OS
// pipes.
package launcher

import (
	"context"
	"io"
)

// Launcher starts (or reuses) the child computing unit for a user and
// returns a Handle to its stdio.
type Launcher interface {
	// Launch ensures a child is running for userID, merges env into its
	// environment, and returns a Handle to its stdin/stdout/stderr.
	// ProcessLauncher sets CODEX_HOME to dataDir; ContainerLauncher does
	// not use dataDir and sets CODEX_HOME to a path on a per-user Docker
	// volume.
	Launch(ctx context.Context, userID, dataDir string, env map[string]string) (Handle, error)
}

// Handle is a running child's stdio plus lifecycle control. Sessions
// wrap a Handle's Stdin/Stdout in an RPC Transport; everything above
// that line is launcher-agnostic.
type Handle interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the child exits and returns its exit error, if
	// any. It is safe to call from a single goroutine only.
	Wait() error

	// Kill forcefully terminates the child and anything it spawned.
	Kill() error
}
