//go:build windows

package supervisor

import "os/exec"

// Windows has no process groups in the POSIX sense; termination is a
// direct kill of the child with no graceful step.
func setProcessGroup(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
