// Package compose resolves application inheritance. It walks the
// extends chain of an application, merges per-task template reference
// lists with before/after ordering, detects inheritance cycles, and
// resolves inherited icon assets.
package compose

import (
	"errors"
	"fmt"

	"github.com/appdock/appdock/internal/models"
	"github.com/appdock/appdock/internal/schema"
	"github.com/appdock/appdock/internal/store"
)

// ErrCyclicInheritance is returned when an extends chain revisits an
// already-resolved application path. It aborts the whole composition.
var ErrCyclicInheritance = errors.New("cyclic application inheritance")

// Detail is a collected, non-fatal diagnostic recorded during
// composition. Processing continues after a Detail is recorded.
type Detail struct {
	Source string
	Msg    string
}

func (d Detail) String() string {
	if d.Source == "" {
		return d.Msg
	}
	return d.Source + ": " + d.Msg
}

// Result is a fully composed application: the leaf document, the
// inheritance chain, the merged per-task template order, the owner of
// each merged template, and the resolved icon.
type Result struct {
	Application *models.Application
	Hierarchy   []string // application ids, root ancestor first
	Tasks       map[models.Task][]string
	Owners      map[string]string // template name -> declaring application id
	Icon        []byte
	IconType    string
	Details     []Detail
}

// Composer composes applications against a resource store.
type Composer struct {
	Store *store.Store
}

// New constructs a Composer.
func New(s *store.Store) *Composer {
	return &Composer{Store: s}
}

// Compose reads the named application and every ancestor it extends,
// producing the merged view. Validation failures on individual
// documents are collected and composition continues with a placeholder;
// a cyclic extends chain is fatal and aborts the whole read.
func (c *Composer) Compose(name string) (*Result, error) {
	id, _ := store.SplitTierPrefix(name)
	result := &Result{
		Tasks:  make(map[models.Task][]string),
		Owners: make(map[string]string),
	}
	visited := make(map[string]bool)
	app, err := c.compose(name, visited, result)
	if err != nil {
		return nil, err
	}
	app.ID = id
	app.IconContent = result.Icon
	if result.IconType != "" {
		app.IconType = result.IconType
	}
	result.Application = app
	return result, nil
}

// compose handles one level of the chain. The parent is processed
// before the current level's own ordering hints so that parent
// templates occupy earlier list positions by default.
func (c *Composer) compose(name string, visited map[string]bool, result *Result) (*models.Application, error) {
	id, _ := store.SplitTierPrefix(name)
	path, err := c.Store.ApplicationPath(name)
	if err != nil {
		return nil, fmt.Errorf("application %q: %w", id, err)
	}
	if visited[path] {
		return nil, fmt.Errorf("%w: %s revisits %s", ErrCyclicInheritance, id, path)
	}
	visited[path] = true

	app := c.readDocument(name, id, path, result)

	if app.Extends != "" {
		if _, err := c.compose(app.Extends, visited, result); err != nil {
			return nil, err
		}
	}

	result.Hierarchy = append(result.Hierarchy, id)
	c.resolveIcon(id, app, result)

	for _, task := range models.Tasks {
		for _, ref := range app.TaskRefs(task) {
			c.mergeRef(task, ref, id, path, result)
		}
	}
	return app, nil
}

// readDocument loads and validates one application document. On any
// failure a minimal placeholder is substituted and the error is
// collected, so sibling and parent data is still produced for
// diagnostics.
func (c *Composer) readDocument(name, id, path string, result *Result) *models.Application {
	placeholder := func(msg string) *models.Application {
		result.Details = append(result.Details, Detail{Source: path, Msg: msg})
		return &models.Application{ID: id, Name: id}
	}
	_, res, err := c.Store.ReadApplication(name)
	if err != nil {
		return placeholder(err.Error())
	}
	app := &models.Application{}
	// Strict decoding: a misspelled key in an application document is a
	// diagnostic, not silently dropped data.
	if err := store.DecodeJSON(res.Path, res.Data, app); err != nil {
		return placeholder(err.Error())
	}
	if err := schema.ValidateApplication(res.Path, app).OrNil(); err != nil {
		return placeholder(err.Error())
	}
	app.ID = id
	return app
}

// resolveIcon applies the icon inheritance rule: an icon defined at the
// current level that exists on disk wins over whatever the parent
// resolved.
func (c *Composer) resolveIcon(id string, app *models.Application, result *Result) {
	if app.Icon == "" {
		return
	}
	data, mime, err := c.Store.ReadIcon(id, app.Icon)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			result.Details = append(result.Details, Detail{
				Source: app.Icon,
				Msg:    fmt.Sprintf("icon: %v", err),
			})
		}
		return
	}
	result.Icon = data
	result.IconType = mime
}
