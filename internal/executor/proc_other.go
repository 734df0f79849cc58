//go:build !unix

package executor

import "os/exec"

func isolate(cmd *exec.Cmd) {
	cmd.Cancel = func() error { return cmd.Process.Kill() }
}
