package models

import "time"

// Repo is a registered working directory agent sessions run in.
type Repo struct {
	Name          string    `json:"name" yaml:"name"`
	Path          string    `json:"path" yaml:"path"`
	DefaultBranch string    `json:"defaultBranch,omitempty" yaml:"default_branch,omitempty"`
	CreatedAt     time.Time `json:"createdAt" yaml:"created_at"`
}

// CreateRepoRequest is the body of POST /api/repos.
type CreateRepoRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}
