// Package repos is the registry of working directories tasks can run in.
package repos

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ccui-dev/ccui/internal/models"
)

var (
	ErrRepoExists   = errors.New("repo already exists")
	ErrRepoNotFound = errors.New("repo not found")
	ErrInvalidRepo  = errors.New("invalid repo")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type reposFile struct {
	Repos []models.Repo `yaml:"repos"`
}

// Registry persists repos in <dataDir>/repos.yaml.
type Registry struct {
	path string

	mu    sync.RWMutex
	repos map[string]models.Repo
}

// Open loads the registry, creating an empty one when the file is missing.
func Open(dataDir string) (*Registry, error) {
	r := &Registry{
		path:  filepath.Join(dataDir, "repos.yaml"),
		repos: make(map[string]models.Repo),
	}

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read repos: %w", err)
	}

	var f reposFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse repos: %w", err)
	}
	for _, repo := range f.Repos {
		r.repos[repo.Name] = repo
	}
	return r, nil
}

// List returns every repo sorted by name.
func (r *Registry) List() []models.Repo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Repo, 0, len(r.repos))
	for _, repo := range r.repos {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Get(name string) (models.Repo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	repo, ok := r.repos[name]
	if !ok {
		return models.Repo{}, fmt.Errorf("%w: %s", ErrRepoNotFound, name)
	}
	return repo, nil
}

// Add registers a directory. Git repositories get their default branch detected.
func (r *Registry) Add(req models.CreateRepoRequest) (models.Repo, error) {
	if !validName.MatchString(req.Name) {
		return models.Repo{}, fmt.Errorf("%w: bad name %q", ErrInvalidRepo, req.Name)
	}
	path, err := filepath.Abs(req.Path)
	if err != nil || req.Path == "" {
		return models.Repo{}, fmt.Errorf("%w: bad path %q", ErrInvalidRepo, req.Path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return models.Repo{}, fmt.Errorf("%w: %v", ErrInvalidRepo, err)
	}
	if !info.IsDir() {
		return models.Repo{}, fmt.Errorf("%w: %s is not a directory", ErrInvalidRepo, path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.repos[req.Name]; ok {
		return models.Repo{}, fmt.Errorf("%w: %s", ErrRepoExists, req.Name)
	}

	repo := models.Repo{
		Name:          req.Name,
		Path:          path,
		DefaultBranch: DetectDefaultBranch(path),
		CreatedAt:     time.Now().UTC(),
	}
	r.repos[repo.Name] = repo
	if err := r.saveLocked(); err != nil {
		delete(r.repos, repo.Name)
		return models.Repo{}, err
	}
	return repo, nil
}

// Remove unregisters a repo. Task files are left on disk.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.repos[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, name)
	}
	delete(r.repos, name)
	if err := r.saveLocked(); err != nil {
		r.repos[name] = repo
		return err
	}
	return nil
}

func (r *Registry) saveLocked() error {
	f := reposFile{Repos: make([]models.Repo, 0, len(r.repos))}
	for _, repo := range r.repos {
		f.Repos = append(f.Repos, repo)
	}
	sort.Slice(f.Repos, func(i, j int) bool { return f.Repos[i].Name < f.Repos[j].Name })

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode repos: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write repos: %w", err)
	}
	return os.Rename(tmp, r.path)
}
