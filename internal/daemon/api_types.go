package daemon

import (
	"github.com/appdock/appdock/internal/models"
)

// apiError is the JSON error envelope returned by the control API.
type apiError struct {
	Error string   `json:"error"`
	Code  string   `json:"code,omitempty"`
	Items []string `json:"items,omitempty"`
}

// applicationSummary is one entry of the applications list.
type applicationSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Extends     string `json:"extends,omitempty"`
}

// applicationDetail is the full composition view of one application.
type applicationDetail struct {
	Application *models.Application `json:"application"`
	Hierarchy   []string            `json:"hierarchy"`
	Tasks       map[string][]string `json:"tasks"`
	IconType    string              `json:"iconType,omitempty"`
	HasIcon     bool                `json:"hasIcon"`
	Details     []string            `json:"details,omitempty"`
}

// parametersResponse is the resolver output for one task.
type parametersResponse struct {
	Parameters []models.Parameter `json:"parameters"`
	Resolved   []string           `json:"resolved,omitempty"`
	Unresolved []string           `json:"unresolved,omitempty"`
	Details    []string           `json:"details,omitempty"`
}

// runRequest asks the daemon to execute or resume a task.
type runRequest struct {
	Application string         `json:"application"`
	Task        string         `json:"task"`
	Hostname    string         `json:"hostname,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}
