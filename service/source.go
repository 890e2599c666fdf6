package service

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

const githubURL = "https://github.com"

// SourceRepo is the repository the release pipeline builds from.
type SourceRepo struct {
	Owner  string
	Name   string
	Branch string
	Token  string
	// BaseURL defaults to GitHub.
	BaseURL string
}

func (r SourceRepo) URL() string {
	base := r.BaseURL
	if base == "" {
		base = githubURL
	}
	return fmt.Sprintf("%s/%s/%s.git", base, r.Owner, r.Name)
}

// BranchHead returns the commit the branch points at, read from the remote without
// cloning.
func BranchHead(ctx context.Context, repo SourceRepo) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{repo.URL()},
	})

	opts := &git.ListOptions{}
	if repo.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: repo.Owner, Password: repo.Token}
	}
	refs, err := remote.ListContext(ctx, opts)
	if err != nil {
		return "", errors.Wrapf(err, "listing %s", repo.URL())
	}
	return headOf(refs, repo.Branch)
}

func headOf(refs []*plumbing.Reference, branch string) (string, error) {
	name := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == name {
			return ref.Hash().String(), nil
		}
	}
	return "", errors.Newf("branch %s not found", branch)
}
