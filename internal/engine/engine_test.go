package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/appdock/appdock/internal/expand"
	"github.com/appdock/appdock/internal/models"
	"github.com/appdock/appdock/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records every execution and answers from a script of
// canned results keyed by substring match.
type fakeExecutor struct {
	shellCalls  []string
	attachCalls []attachCall
	results     map[string]remote.Result
	err         error
}

type attachCall struct {
	VMID   int
	Script string
}

func (f *fakeExecutor) RunShell(_ context.Context, script string) (remote.Result, error) {
	f.shellCalls = append(f.shellCalls, script)
	if f.err != nil {
		return remote.Result{}, f.err
	}
	return f.lookup(script), nil
}

func (f *fakeExecutor) RunAttach(_ context.Context, vmid int, script string) (remote.Result, error) {
	f.attachCalls = append(f.attachCalls, attachCall{VMID: vmid, Script: script})
	if f.err != nil {
		return remote.Result{}, f.err
	}
	return f.lookup(script), nil
}

func (f *fakeExecutor) lookup(script string) remote.Result {
	for key, result := range f.results {
		if key == script {
			return result
		}
	}
	return remote.Result{}
}

func inlineCommand(name, body, target string) expand.Command {
	return expand.Command{Command: models.Command{Name: name, Command: body, ExecuteOn: target}}
}

func TestEngineRunSequence(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		"pct create cloud": {Stdout: `[{"name":"vm_id","value":101}]`},
	}}
	var messages []Message
	eng := New(Options{
		Application: &models.Application{ID: "myapp", Name: "My App"},
		Task:        models.TaskInstallation,
		Commands: []expand.Command{
			inlineCommand("create", "pct create {{ hostname }}", "ve"),
			inlineCommand("configure", "echo configure", "lxc"),
		},
		Inputs:   map[string]any{"hostname": "cloud"},
		Executor: exec,
		OnMessage: func(m Message) {
			messages = append(messages, m)
		},
	})
	require.NoError(t, eng.Run(context.Background()))

	require.Len(t, exec.shellCalls, 1)
	assert.Equal(t, "pct create cloud", exec.shellCalls[0])
	// The captured vm_id routes the second command into the container.
	require.Len(t, exec.attachCalls, 1)
	assert.Equal(t, 101, exec.attachCalls[0].VMID)

	assert.Equal(t, float64(101), eng.Outputs()["vm_id"])
	assert.Equal(t, 1, eng.LastSuccessful())
	require.Len(t, messages, 2)
	assert.Equal(t, LevelInfo, messages[0].Level)
}

func TestEngineBuiltinVariables(t *testing.T) {
	exec := &fakeExecutor{}
	eng := New(Options{
		Application: &models.Application{ID: "myapp", Name: "My App"},
		Task:        models.TaskBackup,
		Commands: []expand.Command{
			inlineCommand("report", "echo {{ application }} {{ application_name }} {{ task }}", "ve"),
		},
		Executor: exec,
	})
	require.NoError(t, eng.Run(context.Background()))
	require.Len(t, exec.shellCalls, 1)
	assert.Equal(t, "echo myapp My App backup", exec.shellCalls[0])
}

func TestEngineSubstitutionPriority(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		"echo from-output": {},
	}}
	eng := New(Options{
		Task: models.TaskInstallation,
		Commands: []expand.Command{
			{Command: models.Command{Name: "set", Properties: []models.Property{{ID: "val", Value: "from-output"}}}},
			inlineCommand("use", "echo {{ val }}", "ve"),
		},
		Inputs:   map[string]any{"val": "from-input"},
		Defaults: map[string]any{"val": "from-default"},
		Executor: exec,
	})
	require.NoError(t, eng.Run(context.Background()))
	require.Len(t, exec.shellCalls, 1)
	assert.Equal(t, "echo from-output", exec.shellCalls[0])
}

func TestEngineUnknownVariableHalts(t *testing.T) {
	exec := &fakeExecutor{}
	var last Message
	eng := New(Options{
		Task:      models.TaskInstallation,
		Commands:  []expand.Command{inlineCommand("bad", "echo {{ ghost }}", "ve")},
		Executor:  exec,
		OnMessage: func(m Message) { last = m },
	})
	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown variable "ghost"`)
	assert.True(t, last.Fatal)
	assert.Equal(t, LevelError, last.Level)
	assert.Empty(t, exec.shellCalls)
}

func TestEngineMissingVMIDHalts(t *testing.T) {
	exec := &fakeExecutor{}
	eng := New(Options{
		Task:     models.TaskInstallation,
		Commands: []expand.Command{inlineCommand("inside", "echo hi", "lxc")},
		Executor: exec,
	})
	err := eng.Run(context.Background())
	assert.ErrorIs(t, err, ErrMissingVMID)
	assert.Empty(t, exec.attachCalls)
}

func TestEngineVMIDInputsWin(t *testing.T) {
	exec := &fakeExecutor{}
	eng := New(Options{
		Task:     models.TaskInstallation,
		Commands: []expand.Command{inlineCommand("inside", "echo hi", "lxc")},
		Inputs:   map[string]any{"vm_id": "202"},
		Executor: exec,
	})
	eng.outputs["vm_id"] = 101
	require.NoError(t, eng.Run(context.Background()))
	require.Len(t, exec.attachCalls, 1)
	assert.Equal(t, 202, exec.attachCalls[0].VMID)
}

func TestEngineNonZeroExitIsFatal(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		"false": {ExitCode: 1, Stderr: "boom"},
	}}
	var last Message
	eng := New(Options{
		Task: models.TaskInstallation,
		Commands: []expand.Command{
			inlineCommand("fail", "false", "ve"),
			inlineCommand("never", "echo unreachable", "ve"),
		},
		Executor:  exec,
		OnMessage: func(m Message) { last = m },
	})
	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Equal(t, "boom", last.Stderr)
	// The run halts; the second command never executes.
	assert.Len(t, exec.shellCalls, 1)
	assert.Equal(t, -1, eng.LastSuccessful())
}

func TestEngineSkippedCommands(t *testing.T) {
	exec := &fakeExecutor{}
	var messages []Message
	eng := New(Options{
		Task: models.TaskInstallation,
		Commands: []expand.Command{
			{
				Command: models.Command{Name: "setup (skipped)", Description: "Skipped: property set", Command: "exit 0"},
				Skipped: true,
			},
			inlineCommand("real", "echo hi", "ve"),
		},
		Executor:  exec,
		OnMessage: func(m Message) { messages = append(messages, m) },
	})
	require.NoError(t, eng.Run(context.Background()))
	// The skip is reported but nothing executes for it.
	require.Len(t, messages, 2)
	assert.Equal(t, LevelSkip, messages[0].Level)
	assert.Len(t, exec.shellCalls, 1)
}

func TestEngineDeclaredOutputsFilter(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		"probe": {Stdout: `[{"name":"wanted","value":1},{"name":"noise","value":2}]`},
	}}
	eng := New(Options{
		Task: models.TaskInstallation,
		Commands: []expand.Command{
			{Command: models.Command{
				Name:      "probe",
				Command:   "probe",
				ExecuteOn: "ve",
				Outputs:   []models.OutputSpec{{Name: "wanted"}},
			}},
		},
		Executor: exec,
	})
	require.NoError(t, eng.Run(context.Background()))
	assert.Equal(t, float64(1), eng.Outputs()["wanted"])
	_, ok := eng.Outputs()["noise"]
	assert.False(t, ok)
}

func TestEngineDefaultEntriesAccumulate(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		"detect": {Stdout: `[{"name":"storage","default":"local-lvm"}]`},
		"use":    {},
	}}
	eng := New(Options{
		Task: models.TaskInstallation,
		Commands: []expand.Command{
			inlineCommand("detect", "detect", "ve"),
			inlineCommand("use", "use", "ve"),
		},
		Executor: exec,
	})
	require.NoError(t, eng.Run(context.Background()))
	// Default entries feed substitution but are not outputs.
	_, ok := eng.Outputs()["storage"]
	assert.False(t, ok)
	assert.Equal(t, "local-lvm", eng.defaults["storage"])
}

func TestEngineCheckpoints(t *testing.T) {
	t.Run("emitted once vm_id resolves", func(t *testing.T) {
		exec := &fakeExecutor{results: map[string]remote.Result{
			"step1": {},
			"step2": {Stdout: `[{"name":"vm_id","value":101}]`},
			"step3": {},
		}}
		var checkpoints []models.RestartInfo
		eng := New(Options{
			Task: models.TaskInstallation,
			Commands: []expand.Command{
				inlineCommand("one", "step1", "ve"),
				inlineCommand("two", "step2", "ve"),
				inlineCommand("three", "step3", "ve"),
			},
			Inputs:   map[string]any{"hostname": "cloud"},
			Executor: exec,
			OnCheckpoint: func(info models.RestartInfo) error {
				checkpoints = append(checkpoints, info)
				return nil
			},
		})
		require.NoError(t, eng.Run(context.Background()))
		// No checkpoint before vm_id exists, one after each later
		// command.
		require.Len(t, checkpoints, 2)
		assert.Equal(t, 101, checkpoints[0].VMID)
		assert.Equal(t, 1, checkpoints[0].LastSuccessful)
		assert.Equal(t, 2, checkpoints[1].LastSuccessful)
		assert.Equal(t, "cloud", models.KeyValueMap(checkpoints[0].Inputs)["hostname"])
	})

	t.Run("checkpoint persistence failure halts", func(t *testing.T) {
		exec := &fakeExecutor{results: map[string]remote.Result{
			"step": {Stdout: `[{"name":"vm_id","value":101}]`},
		}}
		eng := New(Options{
			Task:     models.TaskInstallation,
			Commands: []expand.Command{inlineCommand("one", "step", "ve")},
			Executor: exec,
			OnCheckpoint: func(models.RestartInfo) error {
				return errors.New("disk full")
			},
		})
		err := eng.Run(context.Background())
		assert.ErrorContains(t, err, "persist checkpoint")
	})
}

func TestEngineResume(t *testing.T) {
	restart := models.RestartInfo{
		VMID:           101,
		LastSuccessful: 1,
		Inputs:         []models.KeyValue{{ID: "hostname", Value: "cloud"}},
		Outputs:        []models.KeyValue{{ID: "vm_id", Value: float64(101)}},
		Defaults:       []models.KeyValue{{ID: "storage", Value: "local-lvm"}},
	}
	commands := []expand.Command{
		inlineCommand("one", "echo one", "ve"),
		inlineCommand("two", "echo two", "ve"),
		inlineCommand("three", "echo {{ storage }} {{ hostname }}", "ve"),
	}

	t.Run("continues after checkpoint", func(t *testing.T) {
		exec := &fakeExecutor{}
		eng := Resume(Options{
			Task: models.TaskInstallation,
			// Live values must not leak into a resumed run.
			Inputs:   map[string]any{"hostname": "stale"},
			Commands: commands,
			Executor: exec,
		}, restart)
		require.NoError(t, eng.Run(context.Background()))
		// Commands 0 and 1 are never re-run.
		require.Len(t, exec.shellCalls, 1)
		assert.Equal(t, "echo local-lvm cloud", exec.shellCalls[0])
		assert.Equal(t, 2, eng.LastSuccessful())
	})

	t.Run("fully complete run does nothing", func(t *testing.T) {
		exec := &fakeExecutor{}
		done := restart
		done.LastSuccessful = len(commands) - 1
		eng := Resume(Options{
			Task:     models.TaskInstallation,
			Commands: commands,
			Executor: exec,
		}, done)
		require.NoError(t, eng.Run(context.Background()))
		assert.Empty(t, exec.shellCalls)
	})

	t.Run("replay equivalence", func(t *testing.T) {
		// A fresh run and an interrupted-then-resumed run end in the
		// same state.
		script := map[string]remote.Result{
			"a": {Stdout: `[{"name":"vm_id","value":101}]`},
			"b": {Stdout: `[{"name":"ip","value":"10.0.0.5"}]`},
		}
		cmds := []expand.Command{
			inlineCommand("one", "a", "ve"),
			inlineCommand("two", "b", "ve"),
		}

		fresh := New(Options{Task: models.TaskInstallation, Commands: cmds, Executor: &fakeExecutor{results: script}})
		require.NoError(t, fresh.Run(context.Background()))

		var checkpoint models.RestartInfo
		first := New(Options{
			Task:     models.TaskInstallation,
			Commands: cmds[:1],
			Executor: &fakeExecutor{results: script},
			OnCheckpoint: func(info models.RestartInfo) error {
				checkpoint = info
				return nil
			},
		})
		require.NoError(t, first.Run(context.Background()))

		resumed := Resume(Options{
			Task:     models.TaskInstallation,
			Commands: cmds,
			Executor: &fakeExecutor{results: script},
		}, checkpoint)
		require.NoError(t, resumed.Run(context.Background()))

		assert.Equal(t, fresh.Outputs(), resumed.Outputs())
		assert.Equal(t, fresh.LastSuccessful(), resumed.LastSuccessful())
	})
}

func TestEngineNoTargetIsFatal(t *testing.T) {
	exec := &fakeExecutor{}
	eng := New(Options{
		Task:     models.TaskInstallation,
		Commands: []expand.Command{inlineCommand("naked", "echo hi", "")},
		Executor: exec,
	})
	err := eng.Run(context.Background())
	assert.ErrorContains(t, err, "no execution target")
}

func TestEngineLibraryJoin(t *testing.T) {
	exec := &fakeExecutor{}
	eng := New(Options{
		Task: models.TaskInstallation,
		Commands: []expand.Command{{
			Command:       models.Command{Name: "scripted", Script: "install.sh", ExecuteOn: "ve"},
			ScriptSource:  "log hello",
			LibrarySource: "log() { echo \"$1\"; }",
		}},
		Executor: exec,
	})
	require.NoError(t, eng.Run(context.Background()))
	require.Len(t, exec.shellCalls, 1)
	assert.Equal(t, fmt.Sprintf("log() { echo \"$1\"; }\n%s\nlog hello", libraryMarker), exec.shellCalls[0])
}
