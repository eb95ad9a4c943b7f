// Package schema performs structural validation of application and
// template documents, producing structured errors that carry the
// document path for diagnostics.
package schema

import (
	"fmt"
	"strings"

	"github.com/appdock/appdock/internal/models"
)

// Error is one validation failure within a document.
type Error struct {
	File  string
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Msg)
}

// Errors aggregates validation failures for one document.
type Errors []*Error

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// OrNil returns the slice as an error, or nil when empty.
func (es Errors) OrNil() error {
	if len(es) == 0 {
		return nil
	}
	return es
}

// ValidateApplication checks an application document. The id is
// assigned by the caller from the requested name and is not validated
// against file content.
func ValidateApplication(file string, app *models.Application) Errors {
	var errs Errors
	add := func(field, msg string) {
		errs = append(errs, &Error{File: file, Field: field, Msg: msg})
	}
	if app.Name == "" {
		add("name", "is required")
	}
	for _, task := range models.Tasks {
		for i, ref := range app.TaskRefs(task) {
			field := fmt.Sprintf("%s[%d]", task, i)
			if ref.Name == "" {
				add(field, "template reference is missing a name")
			}
			if len(ref.Before) > 0 && len(ref.After) > 0 {
				add(field, "before and after are mutually exclusive")
			}
		}
	}
	return errs
}

// ValidateTemplate checks a template document: exactly one payload per
// command, recognized targets, and well-formed parameter declarations.
// Commands that reach the network need a target from either the command
// or the template.
func ValidateTemplate(file string, tpl *models.Template) Errors {
	var errs Errors
	add := func(field, msg string) {
		errs = append(errs, &Error{File: file, Field: field, Msg: msg})
	}
	if tpl.Name == "" {
		add("name", "is required")
	}
	if _, err := models.ParseTarget(tpl.ExecuteOn); err != nil {
		add("execute_on", err.Error())
	}
	seen := make(map[string]bool)
	for i, param := range tpl.Parameters {
		field := fmt.Sprintf("parameters[%d]", i)
		if param.ID == "" {
			add(field, "id is required")
			continue
		}
		if seen[param.ID] {
			add(field, fmt.Sprintf("duplicate parameter id %q", param.ID))
		}
		seen[param.ID] = true
		switch param.Type {
		case models.ParamString, models.ParamNumber, models.ParamBoolean, models.ParamEnum:
		case "":
			add(field, "type is required")
		default:
			add(field, fmt.Sprintf("unknown parameter type %q", param.Type))
		}
		if param.EnumValuesTemplate != "" && param.Type != models.ParamEnum {
			add(field, "enumValuesTemplate is only valid for enum parameters")
		}
	}
	for i := range tpl.Commands {
		cmd := &tpl.Commands[i]
		field := fmt.Sprintf("commands[%d]", i)
		payloads := 0
		if cmd.Command != "" {
			payloads++
		}
		if cmd.Script != "" {
			payloads++
		}
		if cmd.Template != "" {
			payloads++
		}
		if len(cmd.Properties) > 0 {
			payloads++
		}
		if payloads == 0 {
			add(field, "command needs one of command, script, template, or properties")
		}
		if payloads > 1 {
			add(field, "command, script, template, and properties are mutually exclusive")
		}
		if cmd.Library != "" && cmd.Script == "" {
			add(field, "library requires a script")
		}
		if _, err := models.ParseTarget(cmd.ExecuteOn); err != nil {
			add(field, err.Error())
		}
		if cmd.ExecuteOn == "" && tpl.ExecuteOn == "" &&
			(cmd.Command != "" || cmd.Script != "") {
			add(field, "execute_on is required for commands that run remotely")
		}
	}
	return errs
}
