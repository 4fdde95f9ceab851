//go:build !unix

package capture

import (
	"errors"
	"os"
	"os/exec"
)

func isolate(*exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error {
	// No SIGTERM equivalent; kill outright.
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
