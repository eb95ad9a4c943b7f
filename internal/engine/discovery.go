package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/appdock/appdock/internal/expand"
	"github.com/appdock/appdock/internal/models"
)

// Host discovery resolves a symbolic hostname to a concrete container
// on a concrete hypervisor node: probe the inventory, match the target
// by hostname, cross-validate against the locally stored context, and
// only then execute.

const defaultProbeTimeout = 30 * time.Second

// inventoryProbeScript lists every container on this node as a JSON
// array of {hostname, pve, vmid}.
const inventoryProbeScript = `node="$(hostname)"
first=1
printf '['
for id in $(pct list 2>/dev/null | awk 'NR>1 {print $1}'); do
  name="$(pct config "$id" | awk '/^hostname:/ {print $2}')"
  [ -z "$name" ] && continue
  [ "$first" = 1 ] || printf ','
  first=0
  printf '{"hostname":"%s","pve":"%s","vmid":%s}' "$name" "$node" "$id"
done
printf ']'
`

// ErrHostNotFound is returned when the probed inventory has no entry
// for the target hostname.
var ErrHostNotFound = errors.New("host not found in hypervisor inventory")

// ErrHostMismatch is returned when the stored context disagrees with
// the probed inventory. It guards against stale local state pointing at
// a container id that has been reassigned.
var ErrHostMismatch = errors.New("stored context does not match hypervisor inventory")

type inventoryEntry struct {
	Hostname string `json:"hostname"`
	PVE      string `json:"pve"`
	VMID     int    `json:"vmid"`
}

// discoverHost runs the inventory probe and cross-validates the stored
// VM context for hostname. Every failure is fatal for the calling
// command.
func (e *Engine) discoverHost(ctx context.Context, hostname string) (models.VMContext, error) {
	if e.opts.Contexts == nil {
		return models.VMContext{}, errors.New("no context store configured for host discovery")
	}
	timeout := e.opts.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := e.opts.Executor.RunShell(probeCtx, inventoryProbeScript)
	if err != nil {
		return models.VMContext{}, fmt.Errorf("inventory probe: %w", err)
	}
	if result.ExitCode != 0 {
		return models.VMContext{}, fmt.Errorf("inventory probe exit status %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	var entries []inventoryEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Stdout)), &entries); err != nil {
		return models.VMContext{}, fmt.Errorf("decode inventory probe output: %w", err)
	}
	var entry *inventoryEntry
	for i := range entries {
		if entries[i].Hostname == hostname {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return models.VMContext{}, fmt.Errorf("%w: %q", ErrHostNotFound, hostname)
	}
	vmctx, err := e.opts.Contexts.VMContextByHostname(ctx, hostname)
	if err != nil {
		return models.VMContext{}, fmt.Errorf("stored context for %q: %w", hostname, err)
	}
	if vmctx.PVENode != entry.PVE || vmctx.VMID != entry.VMID {
		return models.VMContext{}, fmt.Errorf("%w: stored %s/%d, probed %s/%d",
			ErrHostMismatch, vmctx.PVENode, vmctx.VMID, entry.PVE, entry.VMID)
	}
	return vmctx, nil
}

// runDelegatedTemplate executes a whole template as a sub-run pinned to
// the discovered container. The stored context's captured outputs are
// injected as the sub-run's inputs, so scripts on the remote host see
// the same variables the original installation captured; the sub-run's
// resulting outputs are merged back into the stored context,
// last-write-wins per key.
func (e *Engine) runDelegatedTemplate(ctx context.Context, idx int, cmd *expand.Command, hostname string) error {
	if e.opts.ExpandRemote == nil {
		return errors.New("no template expansion configured for host delegation")
	}
	vmctx, err := e.discoverHost(ctx, hostname)
	if err != nil {
		return err
	}
	commands, err := e.opts.ExpandRemote(cmd.Template)
	if err != nil {
		return fmt.Errorf("expand delegated template %s: %w", cmd.Template, err)
	}
	// Commands inside the delegated template lose their own target and
	// run attached to the discovered container; properties commands
	// remain target-less.
	for i := range commands {
		if commands[i].IsProperties() {
			commands[i].ExecuteOn = ""
			continue
		}
		commands[i].ExecuteOn = "lxc"
	}
	inputs := make(map[string]any, len(vmctx.Outputs)+1)
	for k, v := range vmctx.Outputs {
		inputs[k] = v
	}
	if _, ok := inputs["vm_id"]; !ok {
		inputs["vm_id"] = vmctx.VMID
	}
	sub := New(Options{
		Application: e.opts.Application,
		Task:        e.opts.Task,
		Commands:    commands,
		Inputs:      inputs,
		Defaults:    e.opts.Defaults,
		Executor:    e.opts.Executor,
		Contexts:    e.opts.Contexts,
		OnMessage:   e.opts.OnMessage,
	})
	if err := sub.Run(ctx); err != nil {
		return fmt.Errorf("delegated template %s on %s: %w", cmd.Template, hostname, err)
	}
	if err := e.opts.Contexts.MergeVMOutputs(ctx, vmctx.Key, sub.Outputs()); err != nil {
		return fmt.Errorf("merge outputs into context %s: %w", vmctx.Key, err)
	}
	e.emit(Message{
		Index:   idx,
		Command: commandName(cmd),
		Target:  "host:" + hostname,
		Level:   LevelInfo,
		Text:    fmt.Sprintf("delegated template %s completed on vmid %d", cmd.Template, vmctx.VMID),
	})
	return nil
}
