package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/appdock/appdock/internal/contextstore"
	"github.com/appdock/appdock/internal/engine"
	"github.com/appdock/appdock/internal/models"
	"github.com/appdock/appdock/internal/remote"
	"github.com/appdock/appdock/internal/secrets"
	"github.com/appdock/appdock/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	shellCalls  []string
	attachCalls []string
	attachVMIDs []int
	results     map[string]remote.Result
}

func (f *fakeExecutor) RunShell(_ context.Context, script string) (remote.Result, error) {
	f.shellCalls = append(f.shellCalls, script)
	return f.lookup(script), nil
}

func (f *fakeExecutor) RunAttach(_ context.Context, vmid int, script string) (remote.Result, error) {
	f.attachCalls = append(f.attachCalls, script)
	f.attachVMIDs = append(f.attachVMIDs, vmid)
	return f.lookup(script), nil
}

// lookup matches the whole script first, then falls back to substring
// keys so multi-line scripts like the inventory probe can be answered.
func (f *fakeExecutor) lookup(script string) remote.Result {
	if res, ok := f.results[script]; ok {
		return res
	}
	for key, res := range f.results {
		if strings.Contains(script, key) {
			return res
		}
	}
	return remote.Result{}
}

func writeDoc(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newTestRunner builds a runner over a one-application fixture: an
// installation task that creates a container and configures it inside,
// and a backup task delegated to the container named "cloud".
func newTestRunner(t *testing.T, exec engine.Executor) *Runner {
	t.Helper()
	s := store.New(filepath.Join(t.TempDir(), "base"), "")
	writeDoc(t, s.BaseDir, "applications/nextcloud.json", `{
		"name": "Nextcloud",
		"installation": ["install"],
		"backup": ["remote_backup"]
	}`)
	writeDoc(t, s.BaseDir, "templates/install", `{
		"name": "install",
		"execute_on": "ve",
		"parameters": [
			{"id": "hostname", "name": "Hostname", "type": "string", "required": true},
			{"id": "admin_password", "name": "Admin password", "type": "string", "required": true, "secure": true}
		],
		"commands": [
			{"name": "create", "command": "pct create {{ hostname }}"},
			{"name": "configure", "execute_on": "lxc", "command": "configure {{ admin_password }}"}
		]
	}`)
	writeDoc(t, s.BaseDir, "templates/remote_backup", `{
		"name": "remote_backup",
		"execute_on": "host:cloud",
		"commands": [
			{"name": "dump", "command": "backup-db {{ data_dir }}"}
		]
	}`)

	contexts, err := contextstore.Open(filepath.Join(t.TempDir(), "contexts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = contexts.Close() })

	keeper, err := secrets.NewKeeper()
	require.NoError(t, err)

	return &Runner{
		Store:    s,
		Contexts: contexts,
		Executor: exec,
		Keeper:   keeper,
		VEHost:   "pve-1",
	}
}

func TestRunnerRunTask(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		"pct create cloud":  {Stdout: `[{"name":"vm_id","value":101}]`},
		"configure hunter2": {},
	}}
	runner := newTestRunner(t, exec)
	ctx := context.Background()

	var messages []engine.Message
	result, err := runner.RunTask(ctx, "nextcloud", models.TaskInstallation,
		map[string]any{"hostname": "cloud", "admin_password": "hunter2"},
		func(m engine.Message) { messages = append(messages, m) })
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Unresolved)
	assert.Equal(t, float64(101), result.Outputs["vm_id"])
	assert.Len(t, messages, 2)
	assert.Equal(t, []string{"pct create cloud"}, exec.shellCalls)
	assert.Equal(t, []string{"configure hunter2"}, exec.attachCalls)

	// The successful run persisted the container context.
	vm, err := runner.Contexts.GetVMContext(ctx, "vm_101")
	require.NoError(t, err)
	assert.Equal(t, "nextcloud", vm.Application)
	assert.Equal(t, "pve-1", vm.PVENode)
	_, err = runner.Contexts.GetVEContext(ctx, "ve_pve-1")
	assert.NoError(t, err)

	// The checkpoint landed in the install context with the secure
	// input sealed.
	install, err := runner.Contexts.GetVMInstallContext(ctx, "vminstall_cloud_nextcloud")
	require.NoError(t, err)
	require.NotNil(t, install.Restart)
	assert.Equal(t, 1, install.Restart.LastSuccessful)
	sealed, ok := install.Inputs["admin_password"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(sealed, secrets.SealedPrefix))
	assert.Equal(t, "cloud", install.Inputs["hostname"])
}

func TestRunnerRunDelegatedTask(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		// The inventory probe is matched by its "pct list" body.
		"pct list":            {Stdout: `[{"hostname":"cloud","pve":"pve-1","vmid":101}]`},
		"backup-db /srv/data": {Stdout: `[{"name":"dump_path","value":"/var/backups/db.sql"}]`},
	}}
	runner := newTestRunner(t, exec)
	ctx := context.Background()

	// The target container exists from an earlier installation: its
	// stored context carries the outputs that run captured.
	require.NoError(t, runner.Contexts.PutVEContext(ctx, models.VEContext{Host: "pve-1"}))
	require.NoError(t, runner.Contexts.PutVMContext(ctx, models.VMContext{
		VEKey:       "ve_pve-1",
		VMID:        101,
		Hostname:    "cloud",
		PVENode:     "pve-1",
		Application: "nextcloud",
		Outputs:     map[string]any{"data_dir": "/srv/data"},
	}))

	var messages []engine.Message
	result, err := runner.RunTask(ctx, "nextcloud", models.TaskBackup, nil,
		func(m engine.Message) { messages = append(messages, m) })
	require.NoError(t, err)
	assert.Empty(t, result.Unresolved)

	// The template's command ran attached to the discovered container,
	// substituted from the stored context's outputs.
	assert.Equal(t, []string{"backup-db /srv/data"}, exec.attachCalls)
	assert.Equal(t, []int{101}, exec.attachVMIDs)

	// What the sub-run captured merged back into the stored context.
	vm, err := runner.Contexts.GetVMContext(ctx, "vm_101")
	require.NoError(t, err)
	assert.Equal(t, "/var/backups/db.sql", vm.Outputs["dump_path"])
	assert.Equal(t, "/srv/data", vm.Outputs["data_dir"])

	require.NotEmpty(t, messages)
	last := messages[len(messages)-1]
	assert.Equal(t, "host:cloud", last.Target)
	assert.Contains(t, last.Text, "completed on vmid 101")
}

func TestRunnerRunTaskUnresolvedParameters(t *testing.T) {
	exec := &fakeExecutor{}
	runner := newTestRunner(t, exec)

	result, err := runner.RunTask(context.Background(), "nextcloud", models.TaskInstallation,
		map[string]any{"hostname": "cloud"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin_password"}, result.Unresolved)
	// Nothing executes until every required parameter has a value.
	assert.Empty(t, exec.shellCalls)
	assert.Empty(t, exec.attachCalls)
}

func TestRunnerRunTaskUnknownApplication(t *testing.T) {
	runner := newTestRunner(t, &fakeExecutor{})
	_, err := runner.RunTask(context.Background(), "ghost", models.TaskInstallation, nil, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunnerResumeTask(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		"pct create cloud":  {Stdout: `[{"name":"vm_id","value":101}]`},
		"configure hunter2": {},
	}}
	runner := newTestRunner(t, exec)
	ctx := context.Background()

	_, err := runner.RunTask(ctx, "nextcloud", models.TaskInstallation,
		map[string]any{"hostname": "cloud", "admin_password": "hunter2"}, nil)
	require.NoError(t, err)

	// Every command already succeeded, so a resume re-runs nothing.
	exec.shellCalls = nil
	exec.attachCalls = nil
	result, err := runner.ResumeTask(ctx, "nextcloud", "cloud", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(101), result.Outputs["vm_id"])
	assert.Empty(t, exec.shellCalls)
	assert.Empty(t, exec.attachCalls)
}

func TestRunnerResumeTaskWithoutCheckpoint(t *testing.T) {
	runner := newTestRunner(t, &fakeExecutor{})
	ctx := context.Background()

	_, err := runner.ResumeTask(ctx, "nextcloud", "cloud", nil)
	assert.ErrorIs(t, err, contextstore.ErrNotFound)

	require.NoError(t, runner.Contexts.PutVMInstallContext(ctx, models.VMInstallContext{
		Hostname:    "cloud",
		Application: "nextcloud",
		Task:        models.TaskInstallation,
	}))
	_, err = runner.ResumeTask(ctx, "nextcloud", "cloud", nil)
	assert.ErrorContains(t, err, "no checkpoint to resume from")
}

func TestHostnameFrom(t *testing.T) {
	assert.Equal(t, "cloud", hostnameFrom(map[string]any{"hostname": "cloud"}, "app"))
	assert.Equal(t, "app", hostnameFrom(map[string]any{"hostname": ""}, "app"))
	assert.Equal(t, "app", hostnameFrom(nil, "app"))
}

func TestVMIDFrom(t *testing.T) {
	cases := []struct {
		value any
		want  int
		ok    bool
	}{
		{101, 101, true},
		{float64(101), 101, true},
		{"101", 101, true},
		{"abc", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := vmidFrom(map[string]any{"vm_id": tc.value})
		assert.Equal(t, tc.ok, ok)
		if ok {
			assert.Equal(t, tc.want, got)
		}
	}
}
