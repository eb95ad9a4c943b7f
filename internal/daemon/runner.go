package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/appdock/appdock/internal/compose"
	"github.com/appdock/appdock/internal/contextstore"
	"github.com/appdock/appdock/internal/engine"
	"github.com/appdock/appdock/internal/expand"
	"github.com/appdock/appdock/internal/models"
	"github.com/appdock/appdock/internal/secrets"
	"github.com/appdock/appdock/internal/store"
)

// Runner wires composition, expansion, parameter resolution, and
// execution together for one daemon instance.
type Runner struct {
	Store        *store.Store
	Contexts     *contextstore.Store
	Executor     engine.Executor
	Keeper       *secrets.Keeper
	Metrics      *Metrics
	VEHost       string
	ProbeTimeout time.Duration
}

// RunResult reports the outcome of a task run request.
type RunResult struct {
	Unresolved []string            `json:"unresolved,omitempty"`
	Details    []string            `json:"details,omitempty"`
	Outputs    map[string]any      `json:"outputs,omitempty"`
	Restart    *models.RestartInfo `json:"restart,omitempty"`
}

// Prepare composes and expands a task without executing it, returning
// the parameter view callers need to collect missing values.
func (r *Runner) Prepare(ctx context.Context, appName string, task models.Task, inputs map[string]any) (*compose.Result, *expand.Result, []string, error) {
	comp, err := compose.New(r.Store).Compose(appName)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.ComposeErrors.Inc()
		}
		return nil, nil, nil, err
	}
	exp := expand.New(r.Store, comp.Application.ID, comp.Owners)
	result := exp.Expand(comp.Tasks[task], inputs)
	if result.Fatal() {
		return comp, result, nil, fmt.Errorf("task %s expansion failed: %s", task, joinDetails(result.Details))
	}
	unresolved, err := exp.ResolveParameters(ctx, result, inputs, r.enumRunner(comp))
	if err != nil {
		return comp, result, nil, err
	}
	return comp, result, unresolved, nil
}

// RunTask executes one lifecycle task. Engine messages stream through
// onMessage in emission order; checkpoints persist into the install
// context after every successful command that yields a vm_id.
func (r *Runner) RunTask(ctx context.Context, appName string, task models.Task, inputs map[string]any, onMessage func(engine.Message)) (*RunResult, error) {
	start := time.Now()
	comp, result, unresolved, err := r.Prepare(ctx, appName, task, inputs)
	if err != nil {
		return nil, err
	}
	if len(unresolved) > 0 {
		return &RunResult{Unresolved: unresolved, Details: detailStrings(comp, result)}, nil
	}
	eng := engine.New(r.engineOptions(comp, task, result, inputs, onMessage))
	runErr := eng.Run(ctx)
	r.observeRun(task, start, runErr)
	if runErr != nil {
		return nil, runErr
	}
	if err := r.recordRun(ctx, comp, eng); err != nil {
		return nil, err
	}
	return &RunResult{
		Outputs: eng.Outputs(),
		Details: detailStrings(comp, result),
	}, nil
}

// ResumeTask continues a previous run from its stored checkpoint. The
// engine never re-runs a command at or before the checkpoint index.
func (r *Runner) ResumeTask(ctx context.Context, appName, hostname string, onMessage func(engine.Message)) (*RunResult, error) {
	id, _ := store.SplitTierPrefix(appName)
	key := models.VMInstallContextKey(hostname, id)
	install, err := r.Contexts.GetVMInstallContext(ctx, key)
	if err != nil {
		return nil, err
	}
	if install.Restart == nil {
		return nil, fmt.Errorf("install context %s has no checkpoint to resume from", key)
	}
	inputs := r.openSecureInputs(install.Inputs)
	start := time.Now()
	comp, result, _, err := r.Prepare(ctx, appName, install.Task, inputs)
	if err != nil {
		return nil, err
	}
	eng := engine.Resume(r.engineOptions(comp, install.Task, result, inputs, onMessage), *install.Restart)
	runErr := eng.Run(ctx)
	r.observeRun(install.Task, start, runErr)
	if runErr != nil {
		return nil, runErr
	}
	if err := r.recordRun(ctx, comp, eng); err != nil {
		return nil, err
	}
	return &RunResult{Outputs: eng.Outputs(), Details: detailStrings(comp, result)}, nil
}

func (r *Runner) engineOptions(comp *compose.Result, task models.Task, result *expand.Result, inputs map[string]any, onMessage func(engine.Message)) engine.Options {
	defaults := make(map[string]any)
	for _, param := range result.Parameters {
		if param.Default != nil {
			defaults[param.ID] = param.Default
		}
	}
	exp := expand.New(r.Store, comp.Application.ID, comp.Owners)
	return engine.Options{
		Application:  comp.Application,
		Task:         task,
		Commands:     result.Commands,
		Inputs:       inputs,
		Defaults:     defaults,
		Executor:     r.Executor,
		Contexts:     r.Contexts,
		OnMessage:    r.countingMessage(onMessage),
		OnCheckpoint: r.checkpointSink(comp.Application.ID, task, result, inputs),
		ExpandRemote: func(name string) ([]expand.Command, error) {
			sub := exp.ExpandDelegated(name, inputs)
			if sub.Fatal() {
				return nil, fmt.Errorf("expand %s: %s", name, joinDetails(sub.Details))
			}
			return sub.Commands, nil
		},
		ProbeTimeout: r.ProbeTimeout,
	}
}

// checkpointSink persists RestartInfo into the install context. Secure
// parameter values are sealed before they touch disk.
func (r *Runner) checkpointSink(appID string, task models.Task, result *expand.Result, inputs map[string]any) func(models.RestartInfo) error {
	secure := make(map[string]bool)
	for _, param := range result.Parameters {
		if param.Secure {
			secure[param.ID] = true
		}
	}
	return func(info models.RestartInfo) error {
		hostname := hostnameFrom(inputs, appID)
		stored := make(map[string]any, len(inputs))
		for k, v := range inputs {
			stored[k] = v
		}
		if r.Keeper != nil {
			if err := r.Keeper.SealInputs(stored, secure); err != nil {
				return err
			}
		}
		return r.Contexts.PutVMInstallContext(context.Background(), models.VMInstallContext{
			Hostname:    hostname,
			Application: appID,
			Task:        task,
			Inputs:      stored,
			Restart:     &info,
		})
	}
}

// recordRun persists the container context after a successful run so
// later host discovery can find and validate it.
func (r *Runner) recordRun(ctx context.Context, comp *compose.Result, eng *engine.Engine) error {
	outputs := eng.Outputs()
	vmid, ok := vmidFrom(outputs)
	if !ok {
		return nil
	}
	veKey := models.VEContextKey(r.VEHost)
	if err := r.Contexts.PutVEContext(ctx, models.VEContext{Host: r.VEHost, Node: r.VEHost}); err != nil {
		return err
	}
	hostname := hostnameFrom(outputs, comp.Application.ID)
	return r.Contexts.PutVMContext(ctx, models.VMContext{
		VEKey:       veKey,
		VMID:        vmid,
		Hostname:    hostname,
		PVENode:     r.VEHost,
		Application: comp.Application.ID,
		Outputs:     outputs,
	})
}

func (r *Runner) observeRun(task models.Task, start time.Time, err error) {
	if r.Metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.Metrics.TaskDuration.WithLabelValues(string(task), result).Observe(time.Since(start).Seconds())
}

func (r *Runner) countingMessage(onMessage func(engine.Message)) func(engine.Message) {
	return func(m engine.Message) {
		if r.Metrics != nil && m.Level != engine.LevelSkip {
			result := "ok"
			if m.Level == engine.LevelError {
				result = "error"
			}
			target := m.Target
			if target == "" {
				target = "none"
			}
			r.Metrics.CommandExecutions.WithLabelValues(target, result).Inc()
		}
		if onMessage != nil {
			onMessage(m)
		}
	}
}

// openSecureInputs decrypts sealed values loaded from an install
// context. Values that were never sealed pass through unchanged.
func (r *Runner) openSecureInputs(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if str, ok := v.(string); ok && strings.HasPrefix(str, secrets.SealedPrefix) && r.Keeper != nil {
			if plain, err := r.Keeper.Open(str); err == nil {
				out[k] = plain
				continue
			}
		}
		out[k] = v
	}
	return out
}

// enumRunner executes an enum-values template and decodes its stdout.
func (r *Runner) enumRunner(comp *compose.Result) expand.EnumRunner {
	if r.Executor == nil {
		return nil
	}
	return &enumRunner{runner: r, comp: comp}
}

type enumRunner struct {
	runner *Runner
	comp   *compose.Result
}

// RunEnumTemplate executes the enum template's commands directly on
// the hypervisor shell and decodes the final stdout as the JSON array
// of {name, value} entries.
func (er *enumRunner) RunEnumTemplate(ctx context.Context, templateName string) ([]expand.EnumResult, error) {
	exp := expand.New(er.runner.Store, er.comp.Application.ID, er.comp.Owners)
	result := exp.Expand([]string{templateName}, nil)
	if result.Fatal() {
		return nil, fmt.Errorf("expand %s: %s", templateName, joinDetails(result.Details))
	}
	var stdout string
	for i := range result.Commands {
		cmd := &result.Commands[i]
		if cmd.Skipped || cmd.IsProperties() {
			continue
		}
		body := cmd.Command.Command
		if cmd.ScriptSource != "" {
			body = cmd.ScriptSource
		}
		if body == "" {
			continue
		}
		res, err := er.runner.Executor.RunShell(ctx, body)
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("enum template %s exit status %d: %s", templateName, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		if trimmed := strings.TrimSpace(res.Stdout); trimmed != "" {
			stdout = trimmed
		}
	}
	if stdout == "" || !strings.HasPrefix(stdout, "[") {
		return nil, nil
	}
	var values []expand.EnumResult
	if err := json.Unmarshal([]byte(stdout), &values); err != nil {
		return nil, fmt.Errorf("decode enum values from %s: %w", templateName, err)
	}
	return values, nil
}

func vmidFrom(m map[string]any) (int, bool) {
	raw, ok := m["vm_id"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
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

func hostnameFrom(m map[string]any, fallback string) string {
	if raw, ok := m["hostname"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func joinDetails(details []expand.Detail) string {
	msgs := make([]string, 0, len(details))
	for _, d := range details {
		if d.Fatal {
			msgs = append(msgs, d.String())
		}
	}
	if len(msgs) == 0 {
		for _, d := range details {
			msgs = append(msgs, d.String())
		}
	}
	return strings.Join(msgs, "; ")
}

func detailStrings(comp *compose.Result, result *expand.Result) []string {
	var out []string
	if comp != nil {
		for _, d := range comp.Details {
			out = append(out, d.String())
		}
	}
	if result != nil {
		for _, d := range result.Details {
			out = append(out, d.String())
		}
	}
	return out
}
