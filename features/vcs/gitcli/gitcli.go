// Package gitcli commits knowledge-base changes by shelling out to the git
// binary already present on the workshop host.
package gitcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openfab/autopilot/runtime/ops/capability"
	"github.com/openfab/autopilot/runtime/ops/model"
)

// Repo runs git commands inside one working tree.
type Repo struct {
	dir string
	// author identifies autonomous commits, "Name <email>" form.
	author string
}

var _ capability.VCS = (*Repo)(nil)

// New constructs a Repo rooted at dir.
func New(dir, author string) *Repo {
	return &Repo{dir: dir, author: author}
}

// Commit stages the given paths and commits them, returning the commit hash.
func (r *Repo) Commit(ctx context.Context, paths []string, message string) (string, error) {
	if len(paths) == 0 {
		return "", model.InvalidInputf("commit needs at least one path")
	}
	if message == "" {
		return "", model.InvalidInputf("commit needs a message")
	}
	if _, err := r.git(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
		return "", err
	}
	commitArgs := []string{"commit", "-m", message}
	if r.author != "" {
		commitArgs = append(commitArgs, "--author", r.author)
	}
	if _, err := r.git(ctx, commitArgs...); err != nil {
		return "", err
	}
	head, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(head), nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}
