// Package models provides data structures and constants for appdock.
//
// This package contains the core domain models used throughout appdock:
//   - Application: An inheritable bundle of task -> template-list mappings
//   - Template: A reusable unit of commands, parameters, and skip conditions
//   - Command: A single executable step with target routing and output capture
//   - RestartInfo: A serializable execution checkpoint for resume-from-failure
//   - VEContext / VMContext / VMInstallContext: Persisted execution state
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task names one lifecycle phase of an application.
type Task string

const (
	TaskInstallation Task = "installation"
	TaskBackup       Task = "backup"
	TaskRestore      Task = "restore"
	TaskUninstall    Task = "uninstall"
	TaskUpdate       Task = "update"
	TaskUpgrade      Task = "upgrade"
	TaskWebUI        Task = "webui"
)

// Tasks lists every lifecycle task in canonical order.
var Tasks = []Task{
	TaskInstallation,
	TaskBackup,
	TaskRestore,
	TaskUninstall,
	TaskUpdate,
	TaskUpgrade,
	TaskWebUI,
}

// KnownTask reports whether name is a recognized lifecycle task.
func KnownTask(name string) bool {
	for _, task := range Tasks {
		if string(task) == name {
			return true
		}
	}
	return false
}

// TemplateRef references a template within a task list. A reference is
// either a bare name or a name with ordering hints. Only the first
// element of Before/After is consulted during the ordering merge.
type TemplateRef struct {
	Name   string
	Before []string
	After  []string
}

// UnmarshalJSON accepts either a bare string or an object of the form
// {"name": ..., "before": [...], "after": [...]}.
func (r *TemplateRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		if name == "" {
			return fmt.Errorf("template reference name is empty")
		}
		*r = TemplateRef{Name: name}
		return nil
	}
	var obj struct {
		Name   string   `json:"name"`
		Before []string `json:"before"`
		After  []string `json:"after"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("template reference must be a string or an object: %w", err)
	}
	if obj.Name == "" {
		return fmt.Errorf("template reference object missing name")
	}
	*r = TemplateRef{Name: obj.Name, Before: obj.Before, After: obj.After}
	return nil
}

// MarshalJSON emits the compact string form when no ordering hints are
// set.
func (r TemplateRef) MarshalJSON() ([]byte, error) {
	if len(r.Before) == 0 && len(r.After) == 0 {
		return json.Marshal(r.Name)
	}
	return json.Marshal(struct {
		Name   string   `json:"name"`
		Before []string `json:"before,omitempty"`
		After  []string `json:"after,omitempty"`
	}{r.Name, r.Before, r.After})
}

// Ordered reports whether the reference carries before/after hints.
func (r TemplateRef) Ordered() bool {
	return len(r.Before) > 0 || len(r.After) > 0
}

// Application describes an installable unit as declared on disk. Task
// fields map lifecycle names to ordered template references;
// inheritance via Extends is resolved by the composer, not here.
type Application struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Extends     string `json:"extends,omitempty"`
	Icon        string `json:"icon,omitempty"`
	IconContent []byte `json:"-"`
	IconType    string `json:"iconType,omitempty"`

	Installation []TemplateRef `json:"installation,omitempty"`
	Backup       []TemplateRef `json:"backup,omitempty"`
	Restore      []TemplateRef `json:"restore,omitempty"`
	Uninstall    []TemplateRef `json:"uninstall,omitempty"`
	Update       []TemplateRef `json:"update,omitempty"`
	Upgrade      []TemplateRef `json:"upgrade,omitempty"`
	WebUI        []TemplateRef `json:"webui,omitempty"`
}

// TaskRefs returns the template references declared for the given task.
func (a *Application) TaskRefs(task Task) []TemplateRef {
	switch task {
	case TaskInstallation:
		return a.Installation
	case TaskBackup:
		return a.Backup
	case TaskRestore:
		return a.Restore
	case TaskUninstall:
		return a.Uninstall
	case TaskUpdate:
		return a.Update
	case TaskUpgrade:
		return a.Upgrade
	case TaskWebUI:
		return a.WebUI
	}
	return nil
}

// ParameterType enumerates supported parameter value types.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamNumber  ParameterType = "number"
	ParamBoolean ParameterType = "boolean"
	ParamEnum    ParameterType = "enum"
)

// EnumValue is one selectable value for an enum parameter.
type EnumValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Parameter declares an input a template expects. Enum parameters may
// name a template (EnumValuesTemplate) whose execution yields the
// selectable values at resolution time.
type Parameter struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Type               ParameterType `json:"type"`
	Required           bool          `json:"required,omitempty"`
	Default            any           `json:"default,omitempty"`
	EnumValuesTemplate string        `json:"enumValuesTemplate,omitempty"`
	EnumValues         []EnumValue   `json:"enumValues,omitempty"`
	Secure             bool          `json:"secure,omitempty"`
	Advanced           bool          `json:"advanced,omitempty"`
	Upload             bool          `json:"upload,omitempty"`
}

// Property is a fixed id/value assignment emitted by a properties
// command.
type Property struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// OutputSpec declares a value a command is expected to emit on stdout.
type OutputSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Command is a single step inside a template. Exactly one of Command,
// Script, Template, or Properties carries the payload; ExecuteOn routes
// the step to the hypervisor shell ("ve"/"proxmox"), a container
// ("lxc"), or a named remote host ("host:<hostname>").
type Command struct {
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	ExecuteOn   string       `json:"execute_on,omitempty"`
	Command     string       `json:"command,omitempty"`
	Script      string       `json:"script,omitempty"`
	Library     string       `json:"library,omitempty"`
	Template    string       `json:"template,omitempty"`
	Properties  []Property   `json:"properties,omitempty"`
	Outputs     []OutputSpec `json:"outputs,omitempty"`
}

// IsProperties reports whether the command only assigns fixed values
// and never touches the network.
func (c *Command) IsProperties() bool {
	return len(c.Properties) > 0 && c.Command == "" && c.Script == "" && c.Template == ""
}

// Template is a reusable unit of commands and parameter declarations,
// shared across applications or local to one.
type Template struct {
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	ExecuteOn         string      `json:"execute_on,omitempty"`
	SkipIfAllMissing  []string    `json:"skip_if_all_missing,omitempty"`
	SkipIfPropertySet string      `json:"skip_if_property_set,omitempty"`
	Parameters        []Parameter `json:"parameters,omitempty"`
	Commands          []Command   `json:"commands"`
}

// ResolvedParam marks a parameter id as already satisfied by an earlier
// template's properties command within the same composition pass.
type ResolvedParam struct {
	ID string `json:"id"`
}

// KeyValue is the wire form of one variable in a RestartInfo file.
type KeyValue struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// RestartInfo is a serializable execution checkpoint. Replaying from
// LastSuccessful+1 with the stored inputs/outputs/defaults must reach
// the same final state as an uninterrupted run: skipped commands' side
// effects are represented only through captured outputs.
type RestartInfo struct {
	VMID           int        `json:"vm_id"`
	LastSuccessful int        `json:"lastSuccessful"`
	Inputs         []KeyValue `json:"inputs"`
	Outputs        []KeyValue `json:"outputs"`
	Defaults       []KeyValue `json:"defaults"`
}

// KeyValues converts a map to the sorted-insensitive wire slice form.
func KeyValues(m map[string]any) []KeyValue {
	if len(m) == 0 {
		return nil
	}
	out := make([]KeyValue, 0, len(m))
	for id, value := range m {
		out = append(out, KeyValue{ID: id, Value: value})
	}
	return out
}

// KeyValueMap converts the wire slice form back to a map.
func KeyValueMap(kvs []KeyValue) map[string]any {
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[kv.ID] = kv.Value
	}
	return m
}

// VEContext is the persisted record for one hypervisor host, keyed
// "ve_<host>".
type VEContext struct {
	Key           string
	Host          string
	Node          string
	LastUpdatedAt time.Time
}

// VMContext is the persisted record for one container, keyed "vm_<id>".
// VEKey references the owning VEContext; the context store refuses to
// create a VMContext whose VEContext does not exist.
type VMContext struct {
	Key           string
	VEKey         string
	VMID          int
	Hostname      string
	PVENode       string
	Application   string
	Outputs       map[string]any
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// VMInstallContext records one application installation on one host,
// keyed "vminstall_<hostname>_<application>".
type VMInstallContext struct {
	Key           string
	Hostname      string
	Application   string
	Task          Task
	Inputs        map[string]any
	Restart       *RestartInfo
	LastUpdatedAt time.Time
}

// VEContextKey builds the storage key for a hypervisor host record.
func VEContextKey(host string) string { return "ve_" + host }

// VMContextKey builds the storage key for a container record.
func VMContextKey(vmid int) string { return fmt.Sprintf("vm_%d", vmid) }

// VMInstallContextKey builds the storage key for an install record.
func VMInstallContextKey(hostname, application string) string {
	return "vminstall_" + hostname + "_" + application
}
