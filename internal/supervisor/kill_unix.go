//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// setProcAttr puts the engine in its own process group so signals reach
// every worker it spawns.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return unix.Kill(pid, unix.SIGTERM)
	}
	return nil
}

func killGroup(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

type procNode struct {
	pid     int
	ppid    int
	cmdline string
}

func listProcs() ([]procNode, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, err
	}
	out := make([]procNode, 0, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdLine()
		out = append(out, procNode{pid: p.PID, ppid: stat.PPID, cmdline: strings.Join(cmdline, " ")})
	}
	return out, nil
}

// descendants returns every transitive child of root, deepest first.
func descendants(nodes []procNode, root int) []int {
	children := make(map[int][]int, len(nodes))
	for _, n := range nodes {
		children[n.ppid] = append(children[n.ppid], n.pid)
	}
	depth := map[int]int{}
	var order []int
	queue := []int{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if _, seen := depth[child]; seen || child == root {
				continue
			}
			depth[child] = depth[cur] + 1
			order = append(order, child)
			queue = append(queue, child)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return depth[order[i]] > depth[order[j]] })
	return order
}

// killTree kills root's descendants deepest first, then root itself.
func killTree(pid int) error {
	nodes, err := listProcs()
	if err != nil {
		return err
	}
	for _, child := range descendants(nodes, pid) {
		_ = unix.Kill(child, unix.SIGKILL)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	// Workers that called setsid escaped the tree walk but not the group.
	_ = killGroup(pid)
	return nil
}

// sweepSignatures kills processes whose command line contains marker and
// any of signatures. It returns how many were signalled.
func sweepSignatures(signatures []string, marker string) int {
	if len(signatures) == 0 || strings.TrimSpace(marker) == "" {
		return 0
	}
	nodes, err := listProcs()
	if err != nil {
		return 0
	}
	self := os.Getpid()
	killed := 0
	for _, n := range nodes {
		if n.pid == self || !strings.Contains(n.cmdline, marker) {
			continue
		}
		for _, sig := range signatures {
			if sig != "" && strings.Contains(n.cmdline, sig) {
				if unix.Kill(n.pid, unix.SIGKILL) == nil {
					killed++
				}
				break
			}
		}
	}
	return killed
}
