package repos

import (
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// DetectDefaultBranch returns the checked out branch of the git repository
// at path, falling back to a local main/master branch. Non repositories and
// detached heads without either branch yield "".
func DetectDefaultBranch(path string) string {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}

	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		return head.Name().Short()
	}

	for _, name := range []string{"main", "master"} {
		if _, err := repo.Reference(plumbing.NewBranchReferenceName(name), false); err == nil {
			return name
		}
	}

	// unborn HEAD in a fresh repository still names its branch
	if ref, err := repo.Storer.Reference(plumbing.HEAD); err == nil && ref.Type() == plumbing.SymbolicReference {
		return ref.Target().Short()
	}
	return ""
}
