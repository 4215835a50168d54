package capability

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"tlsnc/internal/session"
)

// execWaitDelay bounds how long a finished child's stdio copying may
// keep running.
const execWaitDelay = 2 * time.Second

// Exec connects a child process's stdio to the decrypted stream.
// Either Program (-e) or Command (-c) must be set.
type Exec struct {
	Program string
	Command string
}

func (e *Exec) Handle(ctx context.Context, sess *session.Session) error {
	var cmd *exec.Cmd
	switch {
	case e.Command != "" && runtime.GOOS == "windows":
		cmd = exec.CommandContext(ctx, "cmd.exe", "/C", e.Command)
	case e.Command != "":
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", e.Command)
	case e.Program != "":
		cmd = exec.CommandContext(ctx, e.Program)
	default:
		return errors.New("no command specified for exec mode")
	}

	cmd.Stdin = sess.Conn
	cmd.Stdout = sess.Conn
	cmd.Stderr = sess.Conn
	cmd.WaitDelay = execWaitDelay

	sess.Logger.Debug("%s exec: %s", sess.ID(), cmd)
	err := cmd.Run()

	// the child's output is complete: send close_notify
	if cw, ok := sess.Conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite() //nolint:errcheck
	}
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}
	return nil
}
