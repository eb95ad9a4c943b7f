package expand

import (
	"context"
	"fmt"

	"github.com/appdock/appdock/internal/models"
)

// EnumRunner executes an enum-values template and returns the decoded
// name/value pairs from its stdout. Implementations typically run the
// template through the execution engine against a live target; a nil
// runner leaves enum parameters unresolved.
type EnumRunner interface {
	RunEnumTemplate(ctx context.Context, templateName string) ([]EnumResult, error)
}

// EnumResult is one entry of an enum-values template's JSON output.
type EnumResult struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ResolveParameters finalizes the parameter view of an expansion:
// enum-values templates are evaluated and the unresolved set computed.
// The inputs map holds caller-supplied values. The returned slice is
// the ids still needing values from the caller.
func (e *Expander) ResolveParameters(ctx context.Context, result *Result, inputs map[string]any, runner EnumRunner) ([]string, error) {
	enumResolved := make(map[string]bool)
	for i := range result.Parameters {
		param := &result.Parameters[i]
		if param.EnumValuesTemplate == "" {
			continue
		}
		if runner == nil {
			continue
		}
		values, err := runner.RunEnumTemplate(ctx, param.EnumValuesTemplate)
		if err != nil {
			return nil, fmt.Errorf("enum values template %s for parameter %s: %w", param.EnumValuesTemplate, param.ID, err)
		}
		switch len(values) {
		case 0:
			// No default and no enumValues attached.
		case 1:
			param.Default = values[0].Value
			enumResolved[param.ID] = true
		default:
			for _, v := range values {
				param.EnumValues = append(param.EnumValues, enumValue(v))
			}
		}
	}

	var unresolved []string
	for _, param := range result.Parameters {
		if result.Resolved(param.ID) {
			continue
		}
		if _, ok := inputs[param.ID]; ok {
			continue
		}
		if param.Default != nil || enumResolved[param.ID] {
			continue
		}
		unresolved = append(unresolved, param.ID)
	}
	return unresolved, nil
}

func enumValue(r EnumResult) models.EnumValue {
	return models.EnumValue{Name: r.Name, Value: r.Value}
}
