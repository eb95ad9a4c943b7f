// Package expand turns a task's ordered template list into a flat,
// executable command sequence. It recursively expands template-to-
// template references, attaches script and library sources, evaluates
// per-template skip conditions, and tracks which parameters are already
// resolved by earlier templates' property assignments.
package expand

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/appdock/appdock/internal/models"
	"github.com/appdock/appdock/internal/schema"
	"github.com/appdock/appdock/internal/store"
)

// ErrTemplateRecursion is returned when a template transitively
// references itself.
var ErrTemplateRecursion = errors.New("template recursion")

var placeholderPattern = regexp.MustCompile(`\{\{\s*[A-Za-z0-9_.-]+\s*\}\}`)

// Detail is a diagnostic recorded during expansion. Fatal details block
// execution of the affected template branch; siblings still process.
type Detail struct {
	Source string
	Msg    string
	Fatal  bool
}

func (d Detail) String() string {
	if d.Source == "" {
		return d.Msg
	}
	return d.Source + ": " + d.Msg
}

// Command is a flattened command with provenance: the template that
// declared it and whether that template came from the shared tier.
type Command struct {
	models.Command

	TemplateName  string
	Shared        bool
	Skipped       bool
	SkipReason    string
	ScriptSource  string
	LibrarySource string
}

// Result is the output of expanding one task.
type Result struct {
	Commands       []Command
	Parameters     []models.Parameter
	ResolvedParams []models.ResolvedParam
	SkipCapable    map[string]bool
	Details        []Detail
}

// Fatal reports whether any branch of the expansion failed fatally.
func (r *Result) Fatal() bool {
	for _, d := range r.Details {
		if d.Fatal {
			return true
		}
	}
	return false
}

// Resolved reports whether a parameter id was assigned by an earlier
// properties command.
func (r *Result) Resolved(id string) bool {
	for _, rp := range r.ResolvedParams {
		if rp.ID == id {
			return true
		}
	}
	return false
}

// Expander expands templates for one application.
type Expander struct {
	Store  *store.Store
	AppID  string
	Owners map[string]string // template name -> declaring application id
}

// New constructs an Expander. Owners may be nil, in which case every
// template resolves against the application's own tier.
func New(s *store.Store, appID string, owners map[string]string) *Expander {
	return &Expander{Store: s, AppID: appID, Owners: owners}
}

// Expand processes the merged template names of one task in final list
// order. The inputs map holds caller-supplied initial values and feeds
// skip evaluation together with accumulated resolved parameters.
func (e *Expander) Expand(names []string, inputs map[string]any) *Result {
	result := &Result{SkipCapable: make(map[string]bool)}
	state := &expandState{
		result:   result,
		inputs:   inputs,
		resolved: make(map[string]bool),
		declared: make(map[string]bool),
	}
	for _, name := range names {
		e.expandTemplate(name, nil, state)
	}
	return result
}

// ExpandDelegated flattens one host-tagged template for a delegated
// sub-run. The engine has already resolved the host and pins every
// command to the discovered container, so the template-level host
// target is ignored at the top level and the commands expand as usual.
// Host-tagged templates referenced further down still delegate.
func (e *Expander) ExpandDelegated(name string, inputs map[string]any) *Result {
	result := &Result{SkipCapable: make(map[string]bool)}
	state := &expandState{
		result:    result,
		inputs:    inputs,
		resolved:  make(map[string]bool),
		declared:  make(map[string]bool),
		delegated: true,
	}
	e.expandTemplate(name, nil, state)
	return result
}

type expandState struct {
	result    *Result
	inputs    map[string]any
	resolved  map[string]bool
	declared  map[string]bool
	delegated bool
}

func (s *expandState) resolve(id string) {
	if s.resolved[id] {
		return
	}
	s.resolved[id] = true
	s.result.ResolvedParams = append(s.result.ResolvedParams, models.ResolvedParam{ID: id})
}

// expandTemplate processes one template and everything it references.
// The stack carries the chain of template names above this one, used to
// reject recursive references.
func (e *Expander) expandTemplate(name string, stack []string, state *expandState) {
	fatal := func(source, msg string) {
		state.result.Details = append(state.result.Details, Detail{Source: source, Msg: msg, Fatal: true})
	}
	for _, above := range stack {
		if above == name {
			fatal(name, fmt.Sprintf("%v: %s references itself", ErrTemplateRecursion, name))
			return
		}
	}
	owner := e.owner(name)
	res, err := e.Store.ReadTemplate(owner, name)
	if err != nil {
		fatal(name, fmt.Sprintf("template not found: %v", err))
		return
	}
	tpl := &models.Template{}
	if err := store.DecodeJSONLoose(res.Path, res.Data, tpl); err != nil {
		fatal(res.Path, err.Error())
		return
	}
	if err := schema.ValidateTemplate(res.Path, tpl).OrNil(); err != nil {
		fatal(res.Path, err.Error())
		return
	}
	if tpl.Name == "" {
		tpl.Name = name
	}

	state.result.SkipCapable[name] = len(tpl.SkipIfAllMissing) > 0 || tpl.SkipIfPropertySet != ""
	if reason, skip := e.shouldSkip(tpl, state); skip {
		state.result.Commands = append(state.result.Commands, Command{
			Command: models.Command{
				Name:        tpl.Name + " (skipped)",
				Description: "Skipped: " + reason,
				Command:     "exit 0",
			},
			TemplateName: name,
			Shared:       res.Shared,
			Skipped:      true,
			SkipReason:   reason,
		})
		return
	}

	tplTarget, _ := models.ParseTarget(tpl.ExecuteOn)
	delegateRoot := state.delegated && len(stack) == 0
	if tplTarget.Kind == models.TargetHost && !delegateRoot {
		// Whole-template delegation: the engine resolves the host and
		// runs the template as a sub-run pinned to the discovered
		// container. Commands are not flattened here.
		state.result.Commands = append(state.result.Commands, Command{
			Command: models.Command{
				Name:      tpl.Name,
				ExecuteOn: tpl.ExecuteOn,
				Template:  name,
			},
			TemplateName: name,
			Shared:       res.Shared,
		})
		return
	}

	for _, param := range tpl.Parameters {
		if state.declared[param.ID] {
			continue
		}
		state.declared[param.ID] = true
		state.result.Parameters = append(state.result.Parameters, param)
	}

	stack = append(stack, name)
	for _, cmd := range tpl.Commands {
		e.expandCommand(tpl, cmd, res.Shared, stack, state)
	}
}

func (e *Expander) expandCommand(tpl *models.Template, cmd models.Command, shared bool, stack []string, state *expandState) {
	fatal := func(source, msg string) {
		state.result.Details = append(state.result.Details, Detail{Source: source, Msg: msg, Fatal: true})
	}

	if cmd.IsProperties() {
		// Assignments become visible to every later template's skip
		// evaluation the moment they are encountered.
		for _, prop := range cmd.Properties {
			state.resolve(prop.ID)
		}
		state.result.Commands = append(state.result.Commands, Command{
			Command:      cmd,
			TemplateName: tpl.Name,
			Shared:       shared,
		})
		return
	}

	if cmd.Template != "" {
		target, _ := models.ParseTarget(cmd.ExecuteOn)
		if target.Kind == models.TargetHost {
			// Delegated to the engine, same as a host-tagged template.
			state.result.Commands = append(state.result.Commands, Command{
				Command:      cmd,
				TemplateName: tpl.Name,
				Shared:       shared,
			})
			return
		}
		e.expandTemplate(cmd.Template, stack, state)
		return
	}

	out := Command{
		Command:      cmd,
		TemplateName: tpl.Name,
		Shared:       shared,
	}
	if out.ExecuteOn == "" {
		out.ExecuteOn = tpl.ExecuteOn
	}
	if cmd.Script != "" {
		scriptRes, err := e.Store.ReadScript(e.owner(tpl.Name), cmd.Script)
		if err != nil {
			fatal(tpl.Name, fmt.Sprintf("script %s: %v", cmd.Script, err))
			return
		}
		out.ScriptSource = string(scriptRes.Data)
	}
	if cmd.Library != "" {
		libRes, err := e.Store.ReadScript(e.owner(tpl.Name), cmd.Library)
		if err != nil {
			fatal(tpl.Name, fmt.Sprintf("library %s: %v", cmd.Library, err))
			return
		}
		if placeholderPattern.Match(libRes.Data) {
			fatal(tpl.Name, fmt.Sprintf("library %s contains {{ }} placeholders; libraries must be parameter-free", cmd.Library))
			return
		}
		out.LibrarySource = string(libRes.Data)
	}
	state.result.Commands = append(state.result.Commands, out)
}

// shouldSkip evaluates a template's skip conditions against the caller
// inputs and the parameters resolved so far.
func (e *Expander) shouldSkip(tpl *models.Template, state *expandState) (string, bool) {
	if tpl.SkipIfPropertySet != "" && state.resolved[tpl.SkipIfPropertySet] {
		return fmt.Sprintf("property %q is already set", tpl.SkipIfPropertySet), true
	}
	if len(tpl.SkipIfAllMissing) > 0 {
		for _, id := range tpl.SkipIfAllMissing {
			if state.resolved[id] {
				return "", false
			}
			if _, ok := state.inputs[id]; ok {
				return "", false
			}
		}
		return fmt.Sprintf("none of %v are set", tpl.SkipIfAllMissing), true
	}
	return "", false
}

func (e *Expander) owner(name string) string {
	if owner, ok := e.Owners[name]; ok && owner != "" {
		return owner
	}
	return e.AppID
}
