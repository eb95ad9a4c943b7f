package compose

import (
	"fmt"

	"github.com/appdock/appdock/internal/models"
)

// mergeRef splices one template reference into the merged list for a
// task. A bare reference appends; before/after references splice
// adjacent to their target when it is present and append otherwise.
// Only the first element of before/after is consulted. A duplicate name
// is a collected error: the entry is dropped and later entries in the
// same task list still merge.
func (c *Composer) mergeRef(task models.Task, ref models.TemplateRef, owner, source string, result *Result) {
	list := result.Tasks[task]
	if indexOf(list, ref.Name) >= 0 {
		result.Details = append(result.Details, Detail{
			Source: source,
			Msg:    fmt.Sprintf("duplicate template %q in task %s", ref.Name, task),
		})
		return
	}
	switch {
	case !ref.Ordered():
		list = append(list, ref.Name)
	case len(ref.Before) > 0:
		if idx := indexOf(list, ref.Before[0]); idx >= 0 {
			list = insertAt(list, idx, ref.Name)
		} else {
			list = append(list, ref.Name)
		}
	default:
		if idx := indexOf(list, ref.After[0]); idx >= 0 {
			list = insertAt(list, idx+1, ref.Name)
		} else {
			list = append(list, ref.Name)
		}
	}
	result.Tasks[task] = list
	result.Owners[ref.Name] = owner
}

func indexOf(list []string, name string) int {
	for i, entry := range list {
		if entry == name {
			return i
		}
	}
	return -1
}

func insertAt(list []string, idx int, name string) []string {
	list = append(list, "")
	copy(list[idx+1:], list[idx:])
	list[idx] = name
	return list
}
