package sandbox

import "context"

// Shell binds a Manager to one sandbox and working directory, yielding
// a command runner suitable for the git workflow layer.
func Shell(mgr Manager, sandboxID, workdir string) *BoundShell {
	return &BoundShell{mgr: mgr, sandboxID: sandboxID, workdir: workdir}
}

// BoundShell runs commands inside a fixed sandbox.
type BoundShell struct {
	mgr       Manager
	sandboxID string
	workdir   string
}

// Run executes argv inside the sandbox relative to dir. An empty dir
// falls back to the shell's bound working directory.
func (s *BoundShell) Run(ctx context.Context, dir string, argv ...string) (string, int, error) {
	if dir == "" {
		dir = s.workdir
	}
	return s.mgr.Exec(ctx, s.sandboxID, dir, argv)
}
