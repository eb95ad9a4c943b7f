package contextstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/appdock/appdock/internal/models"
)

const timeLayout = time.RFC3339Nano

// ErrNotFound is returned when a context record does not exist.
var ErrNotFound = errors.New("context not found")

// ErrMissingVEContext is returned when a VM context write references a
// VE context key that does not exist. The check happens at write time,
// never at read time.
var ErrMissingVEContext = errors.New("referenced VE context does not exist")

// PutVEContext creates or replaces a hypervisor host record.
func (s *Store) PutVEContext(ctx context.Context, ve models.VEContext) error {
	if s == nil || s.DB == nil {
		return errors.New("context store is nil")
	}
	if ve.Host == "" {
		return errors.New("ve context host is required")
	}
	key := ve.Key
	if key == "" {
		key = models.VEContextKey(ve.Host)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO ve_contexts (key, host, node, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET host = excluded.host, node = excluded.node, updated_at = excluded.updated_at`,
		key, ve.Host, nullIfEmpty(ve.Node), formatTime(timeOrNow(ve.LastUpdatedAt)))
	if err != nil {
		return fmt.Errorf("put ve context %s: %w", key, err)
	}
	return nil
}

// GetVEContext loads a hypervisor host record by key.
func (s *Store) GetVEContext(ctx context.Context, key string) (models.VEContext, error) {
	if s == nil || s.DB == nil {
		return models.VEContext{}, errors.New("context store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT key, host, node, updated_at FROM ve_contexts WHERE key = ?`, key)
	var ve models.VEContext
	var node sql.NullString
	var updated string
	if err := row.Scan(&ve.Key, &ve.Host, &node, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.VEContext{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return models.VEContext{}, fmt.Errorf("get ve context %s: %w", key, err)
	}
	ve.Node = node.String
	ve.LastUpdatedAt = parseTime(updated)
	return ve, nil
}

// PutVMContext creates or replaces a container record. The referenced
// VE context must already exist; this referential invariant is enforced
// here, at write time.
func (s *Store) PutVMContext(ctx context.Context, vm models.VMContext) error {
	if s == nil || s.DB == nil {
		return errors.New("context store is nil")
	}
	if vm.VMID <= 0 {
		return errors.New("vm context vmid is required")
	}
	if vm.VEKey == "" {
		return errors.New("vm context ve key is required")
	}
	if vm.Hostname == "" {
		return errors.New("vm context hostname is required")
	}
	var exists int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM ve_contexts WHERE key = ?`, vm.VEKey).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check ve context %s: %w", vm.VEKey, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrMissingVEContext, vm.VEKey)
	}
	key := vm.Key
	if key == "" {
		key = models.VMContextKey(vm.VMID)
	}
	outputs, err := marshalMap(vm.Outputs)
	if err != nil {
		return fmt.Errorf("encode vm context outputs: %w", err)
	}
	now := time.Now().UTC()
	createdAt := vm.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO vm_contexts
		(key, ve_key, vmid, hostname, pve_node, application, outputs_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			ve_key = excluded.ve_key,
			vmid = excluded.vmid,
			hostname = excluded.hostname,
			pve_node = excluded.pve_node,
			application = excluded.application,
			outputs_json = excluded.outputs_json,
			updated_at = excluded.updated_at`,
		key, vm.VEKey, vm.VMID, vm.Hostname, vm.PVENode, nullIfEmpty(vm.Application),
		outputs, formatTime(createdAt), formatTime(timeOrNow(vm.LastUpdatedAt)))
	if err != nil {
		return fmt.Errorf("put vm context %s: %w", key, err)
	}
	return nil
}

// GetVMContext loads a container record by key.
func (s *Store) GetVMContext(ctx context.Context, key string) (models.VMContext, error) {
	if s == nil || s.DB == nil {
		return models.VMContext{}, errors.New("context store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT key, ve_key, vmid, hostname, pve_node, application, outputs_json, created_at, updated_at
		FROM vm_contexts WHERE key = ?`, key)
	return scanVMContext(row)
}

// VMContextByHostname loads a container record by its hostname. Used
// during host discovery.
func (s *Store) VMContextByHostname(ctx context.Context, hostname string) (models.VMContext, error) {
	if s == nil || s.DB == nil {
		return models.VMContext{}, errors.New("context store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT key, ve_key, vmid, hostname, pve_node, application, outputs_json, created_at, updated_at
		FROM vm_contexts WHERE hostname = ? ORDER BY updated_at DESC LIMIT 1`, hostname)
	return scanVMContext(row)
}

// MergeVMOutputs merges key/value outputs into a stored container
// context, last-write-wins per key.
func (s *Store) MergeVMOutputs(ctx context.Context, key string, outputs map[string]any) error {
	if s == nil || s.DB == nil {
		return errors.New("context store is nil")
	}
	if len(outputs) == 0 {
		return nil
	}
	vm, err := s.GetVMContext(ctx, key)
	if err != nil {
		return err
	}
	if vm.Outputs == nil {
		vm.Outputs = make(map[string]any, len(outputs))
	}
	for k, v := range outputs {
		vm.Outputs[k] = v
	}
	vm.LastUpdatedAt = time.Now().UTC()
	return s.PutVMContext(ctx, vm)
}

// PutVMInstallContext creates or replaces an installation record,
// including its restart checkpoint.
func (s *Store) PutVMInstallContext(ctx context.Context, install models.VMInstallContext) error {
	if s == nil || s.DB == nil {
		return errors.New("context store is nil")
	}
	if install.Hostname == "" {
		return errors.New("install context hostname is required")
	}
	if install.Application == "" {
		return errors.New("install context application is required")
	}
	key := install.Key
	if key == "" {
		key = models.VMInstallContextKey(install.Hostname, install.Application)
	}
	inputs, err := marshalMap(install.Inputs)
	if err != nil {
		return fmt.Errorf("encode install inputs: %w", err)
	}
	var restart any
	if install.Restart != nil {
		data, err := json.Marshal(install.Restart)
		if err != nil {
			return fmt.Errorf("encode restart info: %w", err)
		}
		restart = string(data)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO vminstall_contexts
		(key, hostname, application, task, inputs_json, restart_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			hostname = excluded.hostname,
			application = excluded.application,
			task = excluded.task,
			inputs_json = excluded.inputs_json,
			restart_json = excluded.restart_json,
			updated_at = excluded.updated_at`,
		key, install.Hostname, install.Application, nullIfEmpty(string(install.Task)),
		inputs, restart, formatTime(timeOrNow(install.LastUpdatedAt)))
	if err != nil {
		return fmt.Errorf("put install context %s: %w", key, err)
	}
	return nil
}

// GetVMInstallContext loads an installation record by key.
func (s *Store) GetVMInstallContext(ctx context.Context, key string) (models.VMInstallContext, error) {
	if s == nil || s.DB == nil {
		return models.VMInstallContext{}, errors.New("context store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT key, hostname, application, task, inputs_json, restart_json, updated_at
		FROM vminstall_contexts WHERE key = ?`, key)
	var install models.VMInstallContext
	var task, inputs, restart sql.NullString
	var updated string
	if err := row.Scan(&install.Key, &install.Hostname, &install.Application, &task, &inputs, &restart, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.VMInstallContext{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return models.VMInstallContext{}, fmt.Errorf("get install context %s: %w", key, err)
	}
	install.Task = models.Task(task.String)
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &install.Inputs); err != nil {
			return models.VMInstallContext{}, fmt.Errorf("decode install inputs %s: %w", key, err)
		}
	}
	if restart.Valid && restart.String != "" {
		info := &models.RestartInfo{}
		if err := json.Unmarshal([]byte(restart.String), info); err != nil {
			return models.VMInstallContext{}, fmt.Errorf("decode restart info %s: %w", key, err)
		}
		install.Restart = info
	}
	install.LastUpdatedAt = parseTime(updated)
	return install, nil
}

func scanVMContext(row *sql.Row) (models.VMContext, error) {
	var vm models.VMContext
	var application, outputs sql.NullString
	var created, updated string
	if err := row.Scan(&vm.Key, &vm.VEKey, &vm.VMID, &vm.Hostname, &vm.PVENode, &application, &outputs, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.VMContext{}, ErrNotFound
		}
		return models.VMContext{}, fmt.Errorf("scan vm context: %w", err)
	}
	vm.Application = application.String
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &vm.Outputs); err != nil {
			return models.VMContext{}, fmt.Errorf("decode vm context outputs: %w", err)
		}
	}
	vm.CreatedAt = parseTime(created)
	vm.LastUpdatedAt = parseTime(updated)
	return vm, nil
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
