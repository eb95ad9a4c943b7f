package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PVE executes scripts on the hypervisor host shell and inside LXC
// containers via pct attach. All calls are blocking and bounded by
// CommandTimeout when set.
type PVE struct {
	PctPath        string        // path to pct (defaults to "pct")
	Runner         CommandRunner // execution strategy (defaults to ExecRunner)
	CommandTimeout time.Duration // timeout per command (0 = no bound)
}

// NewPVE constructs an executor using the BashRunner strategy, which is
// the recommended setup on production Proxmox hosts.
func NewPVE(timeout time.Duration) *PVE {
	return &PVE{Runner: BashRunner{}, CommandTimeout: timeout}
}

// RunShell executes script text as a shell session on the hypervisor
// host.
func (p *PVE) RunShell(ctx context.Context, script string) (Result, error) {
	return p.run(ctx, "bash", "-c", script)
}

// RunAttach executes script text inside a container via pct exec.
// Returns ErrContainerNotFound when the container id does not exist.
func (p *PVE) RunAttach(ctx context.Context, vmid int, script string) (Result, error) {
	result, err := p.run(ctx, p.pctPath(), "exec", strconv.Itoa(vmid), "--", "bash", "-c", script)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 && isMissingContainer(result.Stderr) {
		return result, fmt.Errorf("%w: vmid %d", ErrContainerNotFound, vmid)
	}
	return result, nil
}

func (p *PVE) run(ctx context.Context, name string, args ...string) (Result, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.runner().Run(ctx, name, args...)
}

func (p *PVE) runner() CommandRunner {
	if p.Runner != nil {
		return p.Runner
	}
	return ExecRunner{}
}

func (p *PVE) pctPath() string {
	if p.PctPath != "" {
		return p.PctPath
	}
	return "pct"
}

func (p *PVE) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CommandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.CommandTimeout)
}

func isMissingContainer(stderr string) bool {
	msg := strings.ToLower(stderr)
	indicators := []string{
		"does not exist",
		"no such container",
		"no such ct",
		"vmid does not exist",
	}
	for _, indicator := range indicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
