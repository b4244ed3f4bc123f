//go:build windows

package supervisor

import (
	"context"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

const taskkillTimeout = 10 * time.Second

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func taskkill(pid int, force bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), taskkillTimeout)
	defer cancel()
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	return exec.CommandContext(ctx, "taskkill", args...).Run()
}

func terminateGroup(pid int) error { return taskkill(pid, false) }

func killGroup(pid int) error { return taskkill(pid, true) }

func killTree(pid int) error { return taskkill(pid, true) }

func sweepSignatures(signatures []string, marker string) int { return 0 }
