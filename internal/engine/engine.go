// Package engine executes a compiled command sequence against a live
// Proxmox VE target. Each Engine instance is a single-threaded,
// strictly sequential state machine: one command runs at a time, and
// the next never starts before the previous result is observed.
//
// Variables in command text resolve with priority outputs > inputs >
// defaults. After each successful command that yields a vm_id the
// engine emits a RestartInfo checkpoint; on a fatal error it emits a
// terminal message and stops, leaving retry to the caller via the
// resume contract.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appdock/appdock/internal/expand"
	"github.com/appdock/appdock/internal/models"
	"github.com/appdock/appdock/internal/remote"
)

const libraryMarker = "# ---- library end ----"

// Executor is the strategy the engine uses for the three remote-exec
// paths. Production uses remote.PVE; tests inject fakes.
type Executor interface {
	RunShell(ctx context.Context, script string) (remote.Result, error)
	RunAttach(ctx context.Context, vmid int, script string) (remote.Result, error)
}

// ContextStore is the slice of the persistence layer host discovery
// needs: stored container contexts by hostname, and output merge-back.
type ContextStore interface {
	VMContextByHostname(ctx context.Context, hostname string) (models.VMContext, error)
	MergeVMOutputs(ctx context.Context, key string, outputs map[string]any) error
}

// ErrMissingVMID halts execution when a container-targeted command has
// no resolvable vm_id in inputs or outputs.
var ErrMissingVMID = errors.New("vm_id is required for lxc execution")

// Options configures an Engine run.
type Options struct {
	Application *models.Application
	Task        models.Task
	Commands    []expand.Command
	Inputs      map[string]any
	Defaults    map[string]any
	Executor    Executor
	Contexts    ContextStore
	OnMessage   func(Message)
	// OnCheckpoint receives a RestartInfo after each successful command
	// that has a resolvable vm_id. The caller persists it atomically.
	OnCheckpoint func(models.RestartInfo) error
	// ExpandRemote expands a template name for whole-template host
	// delegation sub-runs.
	ExpandRemote func(name string) ([]expand.Command, error)
	ProbeTimeout time.Duration
}

// Engine drives one run over a compiled command sequence.
type Engine struct {
	opts           Options
	outputs        map[string]any
	inputs         map[string]any
	defaults       map[string]any
	lastSuccessful int
}

// New constructs a fresh engine starting at command 0. Built-in
// identifiers (application, application_id, application_name, task,
// task_type) are seeded into defaults.
func New(opts Options) *Engine {
	e := &Engine{
		opts:           opts,
		outputs:        map[string]any{},
		inputs:         map[string]any{},
		defaults:       map[string]any{},
		lastSuccessful: -1,
	}
	for k, v := range opts.Inputs {
		e.inputs[k] = v
	}
	for k, v := range opts.Defaults {
		e.defaults[k] = v
	}
	if app := opts.Application; app != nil {
		e.defaults["application"] = app.ID
		e.defaults["application_id"] = app.ID
		e.defaults["application_name"] = app.Name
	}
	e.defaults["task"] = string(opts.Task)
	e.defaults["task_type"] = string(opts.Task)
	return e
}

// Resume constructs an engine continuing after a checkpoint. Current
// inputs, outputs, and defaults are discarded and repopulated strictly
// from the checkpoint; commands at or before LastSuccessful are never
// re-run.
func Resume(opts Options, restart models.RestartInfo) *Engine {
	opts.Inputs = models.KeyValueMap(restart.Inputs)
	opts.Defaults = models.KeyValueMap(restart.Defaults)
	e := New(opts)
	e.outputs = models.KeyValueMap(restart.Outputs)
	e.lastSuccessful = restart.LastSuccessful
	return e
}

// Outputs returns the values captured so far.
func (e *Engine) Outputs() map[string]any { return e.outputs }

// LastSuccessful returns the index of the last successfully executed
// command, or -1.
func (e *Engine) LastSuccessful() int { return e.lastSuccessful }

// Run executes the remaining commands in order. The first fatal error
// halts the run after a terminal message has been emitted; the caller
// decides whether to retry via Resume.
func (e *Engine) Run(ctx context.Context) error {
	for i := e.lastSuccessful + 1; i < len(e.opts.Commands); i++ {
		cmd := &e.opts.Commands[i]
		if err := e.runCommand(ctx, i, cmd); err != nil {
			return err
		}
		e.lastSuccessful = i
		if err := e.checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runCommand(ctx context.Context, idx int, cmd *expand.Command) error {
	name := commandName(cmd)

	if cmd.Skipped {
		e.emit(Message{Index: idx, Command: name, Level: LevelSkip, Text: cmd.Description})
		return nil
	}

	if cmd.IsProperties() {
		for _, prop := range cmd.Properties {
			e.outputs[prop.ID] = prop.Value
		}
		e.emit(Message{Index: idx, Command: name, Level: LevelInfo, Text: fmt.Sprintf("set %d properties", len(cmd.Properties))})
		return nil
	}

	target, err := models.ParseTarget(cmd.ExecuteOn)
	if err != nil {
		return e.fatal(idx, name, cmd.ExecuteOn, err)
	}

	if target.Kind == models.TargetHost && cmd.Template != "" {
		if err := e.runDelegatedTemplate(ctx, idx, cmd, target.Host); err != nil {
			return e.fatal(idx, name, cmd.ExecuteOn, err)
		}
		return nil
	}

	body, err := e.commandBody(cmd)
	if err != nil {
		return e.fatal(idx, name, cmd.ExecuteOn, err)
	}

	var result remote.Result
	switch target.Kind {
	case models.TargetVE:
		text, err := Substitute(body, e.outputs, e.inputs, e.defaults)
		if err != nil {
			return e.fatal(idx, name, cmd.ExecuteOn, err)
		}
		result, err = e.opts.Executor.RunShell(ctx, text)
		if err != nil {
			return e.fatal(idx, name, cmd.ExecuteOn, err)
		}
	case models.TargetLXC:
		vmid, ok := e.resolveVMID()
		if !ok {
			return e.fatal(idx, name, cmd.ExecuteOn, ErrMissingVMID)
		}
		text, err := Substitute(body, e.outputs, e.inputs, e.defaults)
		if err != nil {
			return e.fatal(idx, name, cmd.ExecuteOn, err)
		}
		result, err = e.opts.Executor.RunAttach(ctx, vmid, text)
		if err != nil {
			return e.fatal(idx, name, cmd.ExecuteOn, err)
		}
	case models.TargetHost:
		vmctx, err := e.discoverHost(ctx, target.Host)
		if err != nil {
			return e.fatal(idx, name, cmd.ExecuteOn, err)
		}
		// Stored context outputs take priority over this run's own
		// variables when delegating a single command.
		text, err := Substitute(body, vmctx.Outputs, e.outputs, e.inputs, e.defaults)
		if err != nil {
			return e.fatal(idx, name, cmd.ExecuteOn, err)
		}
		result, err = e.opts.Executor.RunAttach(ctx, vmctx.VMID, text)
		if err != nil {
			return e.fatal(idx, name, cmd.ExecuteOn, err)
		}
	default:
		return e.fatal(idx, name, cmd.ExecuteOn, errors.New("command has no execution target"))
	}

	if result.ExitCode != 0 {
		return e.fatal(idx, name, cmd.ExecuteOn, fmt.Errorf("exit status %d", result.ExitCode), result.Stderr)
	}
	return e.captureResult(idx, name, cmd, result)
}

// captureResult applies the stdout contract: JSON entries populate
// outputs and defaults, plain text from inline commands is a success
// message.
func (e *Engine) captureResult(idx int, name string, cmd *expand.Command, result remote.Result) error {
	plainOK := cmd.Command.Command != ""
	entries, plain, err := parseOutputs(result.Stdout, plainOK)
	if err != nil {
		return e.fatal(idx, name, cmd.ExecuteOn, err, result.Stderr)
	}
	declared := declaredOutputs(cmd)
	for _, entry := range entries {
		if declared != nil && !declared[entry.Name] {
			continue
		}
		if entry.Value != nil {
			e.outputs[entry.Name] = entry.Value
		}
		if entry.Default != nil {
			e.defaults[entry.Name] = entry.Default
		}
	}
	text := "ok"
	if plain != "" {
		text = plain
	} else if len(entries) > 0 {
		text = fmt.Sprintf("captured %d outputs", len(entries))
	}
	e.emit(Message{Index: idx, Command: name, Target: cmd.ExecuteOn, Level: LevelInfo, Text: text})
	return nil
}

// commandBody assembles the text to execute: the inline command, the
// script source, or the library source joined to the script by a marker
// line.
func (e *Engine) commandBody(cmd *expand.Command) (string, error) {
	switch {
	case cmd.ScriptSource != "" && cmd.LibrarySource != "":
		return cmd.LibrarySource + "\n" + libraryMarker + "\n" + cmd.ScriptSource, nil
	case cmd.ScriptSource != "":
		return cmd.ScriptSource, nil
	case cmd.Command.Command != "":
		return cmd.Command.Command, nil
	}
	return "", errors.New("command has no executable body")
}

// resolveVMID finds the container id, inputs winning over outputs when
// both are present.
func (e *Engine) resolveVMID() (int, bool) {
	for _, m := range []map[string]any{e.inputs, e.outputs} {
		if raw, ok := m["vm_id"]; ok {
			if vmid, ok := asInt(raw); ok {
				return vmid, true
			}
		}
	}
	return 0, false
}

// checkpoint emits a RestartInfo after a successful command once a
// vm_id is resolvable.
func (e *Engine) checkpoint() error {
	if e.opts.OnCheckpoint == nil {
		return nil
	}
	vmid, ok := e.resolveVMID()
	if !ok {
		return nil
	}
	info := models.RestartInfo{
		VMID:           vmid,
		LastSuccessful: e.lastSuccessful,
		Inputs:         models.KeyValues(e.inputs),
		Outputs:        models.KeyValues(e.outputs),
		Defaults:       models.KeyValues(e.defaults),
	}
	if err := e.opts.OnCheckpoint(info); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// fatal emits the terminal message for a failing command and returns
// the halting error.
func (e *Engine) fatal(idx int, name, target string, err error, stderr ...string) error {
	msg := Message{
		Index:   idx,
		Command: name,
		Target:  target,
		Level:   LevelError,
		Text:    err.Error(),
		Fatal:   true,
	}
	if len(stderr) > 0 {
		msg.Stderr = stderr[0]
	}
	e.emit(msg)
	return fmt.Errorf("command %q (%s): %w", name, target, err)
}

func (e *Engine) emit(m Message) {
	if e.opts.OnMessage != nil {
		e.opts.OnMessage(m)
	}
}

func commandName(cmd *expand.Command) string {
	if cmd.Name != "" {
		return cmd.Name
	}
	if cmd.Script != "" {
		return cmd.Script
	}
	if cmd.Template != "" {
		return cmd.Template
	}
	return cmd.TemplateName
}

func declaredOutputs(cmd *expand.Command) map[string]bool {
	if len(cmd.Outputs) == 0 {
		return nil
	}
	names := make(map[string]bool, len(cmd.Outputs))
	for _, spec := range cmd.Outputs {
		names[spec.Name] = true
	}
	return names
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
