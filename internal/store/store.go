// Package store locates and loads the JSON resources appdock composes:
// application documents, templates, scripts, libraries, and icons.
//
// Resources live in two tiers. The base tier is read-only and ships
// with appdock; the local tier is operator-writable and shadows the
// base tier path-for-path. A resource identifier prefixed with "json:"
// pins resolution to the base tier, bypassing local overrides.
//
// Tier layout:
//
//	<tier>/applications/<id>.json     application document
//	<tier>/applications/<id>/...      application-local templates, scripts, icons
//	<tier>/templates/<name>           shared templates
//	<tier>/scripts/<name>             shared scripts and libraries
//
// Reads go through an in-memory cache invalidated by a filesystem
// watcher (see watch.go).
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// BaseTierPrefix pins an application identifier to the base tier.
const BaseTierPrefix = "json:"

// ErrNotFound is returned when a resource exists in neither tier.
var ErrNotFound = errors.New("resource not found")

// Store resolves logical resource paths against the two tiers.
type Store struct {
	BaseDir  string
	LocalDir string

	mu    sync.Mutex
	cache map[string][]byte
}

// New constructs a Store over the given tier roots. LocalDir may be
// empty, in which case only the base tier is consulted.
func New(baseDir, localDir string) *Store {
	return &Store{
		BaseDir:  baseDir,
		LocalDir: localDir,
		cache:    make(map[string][]byte),
	}
}

// Resource is a loaded document plus the concrete path it came from.
type Resource struct {
	Path   string
	Data   []byte
	Shared bool // true when loaded from the shared (non application-local) area
}

// ReadApplication loads an application document by identifier. The
// returned id strips any tier prefix; the document id is assigned from
// the requested name, never from file content.
func (s *Store) ReadApplication(name string) (string, Resource, error) {
	id, baseOnly := SplitTierPrefix(name)
	if id == "" {
		return "", Resource{}, errors.New("application name is required")
	}
	rel := filepath.Join("applications", id+".json")
	res, err := s.readTiered(rel, baseOnly)
	if err != nil {
		return id, Resource{}, err
	}
	return id, res, nil
}

// ApplicationPath resolves the concrete path an application document
// would be read from, without reading it. Used for inheritance cycle
// detection, where the resolved path is the identity.
func (s *Store) ApplicationPath(name string) (string, error) {
	id, baseOnly := SplitTierPrefix(name)
	if id == "" {
		return "", errors.New("application name is required")
	}
	rel := filepath.Join("applications", id+".json")
	return s.resolve(rel, baseOnly)
}

// ReadTemplate loads a template by name for the given application.
// Application-local templates shadow shared ones.
func (s *Store) ReadTemplate(appID, name string) (Resource, error) {
	if name == "" {
		return Resource{}, errors.New("template name is required")
	}
	if appID != "" {
		local := filepath.Join("applications", appID, name)
		if res, err := s.readTiered(local, false); err == nil {
			res.Shared = false
			return res, nil
		} else if !errors.Is(err, ErrNotFound) {
			return Resource{}, err
		}
	}
	res, err := s.readTiered(filepath.Join("templates", name), false)
	if err != nil {
		return Resource{}, err
	}
	res.Shared = true
	return res, nil
}

// ReadScript loads a script or library source for the given
// application, application-local first, then shared.
func (s *Store) ReadScript(appID, name string) (Resource, error) {
	if name == "" {
		return Resource{}, errors.New("script name is required")
	}
	if appID != "" {
		local := filepath.Join("applications", appID, name)
		if res, err := s.readTiered(local, false); err == nil {
			return res, nil
		} else if !errors.Is(err, ErrNotFound) {
			return Resource{}, err
		}
	}
	res, err := s.readTiered(filepath.Join("scripts", name), false)
	if err != nil {
		return Resource{}, err
	}
	res.Shared = true
	return res, nil
}

// ReadIcon loads the icon file named by an application document, if it
// exists on disk. The second return is the MIME type by extension.
func (s *Store) ReadIcon(appID, icon string) ([]byte, string, error) {
	if icon == "" {
		return nil, "", ErrNotFound
	}
	res, err := s.readTiered(filepath.Join("applications", appID, icon), false)
	if err != nil {
		return nil, "", err
	}
	return res.Data, IconMIME(icon), nil
}

// WriteLocal stores a document in the local tier, creating parent
// directories as needed. Writes invalidate the cached entry.
func (s *Store) WriteLocal(rel string, data []byte) error {
	if s.LocalDir == "" {
		return errors.New("no local tier configured")
	}
	path := filepath.Join(s.LocalDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.Invalidate(path)
	return nil
}

// Invalidate drops the cache entry for a concrete path.
func (s *Store) Invalidate(path string) {
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
}

// InvalidateAll drops the whole cache.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string][]byte)
	s.mu.Unlock()
}

// ListApplications returns the application identifiers present in
// either tier, local overrides deduplicated, sorted.
func (s *Store) ListApplications() ([]string, error) {
	seen := make(map[string]bool)
	for _, root := range []string{s.LocalDir, s.BaseDir} {
		if root == "" {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, "applications"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list applications in %s: %w", root, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			seen[strings.TrimSuffix(name, ".json")] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SplitTierPrefix strips a "json:" prefix, reporting whether the base
// tier was pinned.
func SplitTierPrefix(name string) (string, bool) {
	if strings.HasPrefix(name, BaseTierPrefix) {
		return strings.TrimPrefix(name, BaseTierPrefix), true
	}
	return name, false
}

// IconMIME maps an icon filename to its MIME type.
func IconMIME(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func (s *Store) resolve(rel string, baseOnly bool) (string, error) {
	if !baseOnly && s.LocalDir != "" {
		path := filepath.Join(s.LocalDir, rel)
		if fileExists(path) {
			return path, nil
		}
	}
	path := filepath.Join(s.BaseDir, rel)
	if fileExists(path) {
		return path, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
}

func (s *Store) readTiered(rel string, baseOnly bool) (Resource, error) {
	path, err := s.resolve(rel, baseOnly)
	if err != nil {
		return Resource{}, err
	}
	data, err := s.readCached(path)
	if err != nil {
		return Resource{}, err
	}
	return Resource{Path: path, Data: data}, nil
}

func (s *Store) readCached(path string) ([]byte, error) {
	s.mu.Lock()
	data, ok := s.cache[path]
	s.mu.Unlock()
	if ok {
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	s.mu.Lock()
	s.cache[path] = data
	s.mu.Unlock()
	return data, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
