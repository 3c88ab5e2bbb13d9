// Package gitexec clones the target repository, runs a coding agent on a
// fresh branch and commits whatever the agent changed.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"ticketline/internal/domain"
	"ticketline/internal/stages"
)

const (
	defaultBranchPrefix = "ticketline/"
	outputTail          = 2048
)

// Executor implements stages.Executor.
type Executor struct {
	Root         string
	BranchPrefix string
	// Agent is the command run inside the clone. It receives the spec path and
	// workflow id through TICKETLINE_SPEC_PATH and TICKETLINE_WORKFLOW_ID.
	Agent []string
	Token string
	Push  bool
	Log   *zap.Logger
	Now   func() time.Time
}

func (e *Executor) Execute(ctx context.Context, workflowID, specPath, repositoryURL string) (domain.ExecutionResult, error) {
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}
	dir := filepath.Join(e.Root, workflowID)
	if err := os.RemoveAll(dir); err != nil {
		return domain.ExecutionResult{}, stages.ExecutionError(err)
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: repositoryURL, Auth: e.auth()})
	if err != nil {
		return domain.ExecutionResult{}, stages.ExecutionError(fmt.Errorf("clone %s: %w", repositoryURL, err))
	}
	wt, err := repo.Worktree()
	if err != nil {
		return domain.ExecutionResult{}, stages.ExecutionError(err)
	}
	branch := e.branchName(workflowID)
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Create: true}); err != nil {
		return domain.ExecutionResult{}, stages.ExecutionError(fmt.Errorf("checkout %s: %w", branch, err))
	}
	log.Info("workspace ready", zap.String("workflow_id", workflowID), zap.String("dir", dir), zap.String("branch", branch))

	if len(e.Agent) > 0 {
		if err := e.runAgent(ctx, dir, workflowID, specPath); err != nil {
			return domain.ExecutionResult{}, stages.ExecutionError(err)
		}
	}
	committed, err := e.commit(wt, workflowID)
	if err != nil {
		return domain.ExecutionResult{}, stages.ExecutionError(err)
	}
	if e.Push && committed {
		refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
		err := repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin", RefSpecs: []gitconfig.RefSpec{refSpec}, Auth: e.auth()})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return domain.ExecutionResult{}, stages.ExecutionError(fmt.Errorf("push %s: %w", branch, err))
		}
	}
	return domain.ExecutionResult{WorkspacePath: dir, BranchName: branch}, nil
}

func (e *Executor) branchName(workflowID string) string {
	prefix := e.BranchPrefix
	if prefix == "" {
		prefix = defaultBranchPrefix
	}
	return prefix + workflowID
}

func (e *Executor) auth() transport.AuthMethod {
	if e.Token == "" {
		return nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: e.Token}
}

func (e *Executor) runAgent(ctx context.Context, dir, workflowID, specPath string) error {
	cmd := exec.CommandContext(ctx, e.Agent[0], e.Agent[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"TICKETLINE_WORKFLOW_ID="+workflowID,
		"TICKETLINE_SPEC_PATH="+specPath,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("agent %s: %w: %s", e.Agent[0], err, tail(out.String()))
	}
	return nil
}

// commit stages every change in the worktree and reports whether a commit
// was made.
func (e *Executor) commit(wt *git.Worktree, workflowID string) (bool, error) {
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, err
	}
	if status.IsClean() {
		return false, nil
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	_, err = wt.Commit("ticketline: apply workflow "+workflowID, &git.CommitOptions{
		Author: &object.Signature{Name: "ticketline", Email: "ticketline@localhost", When: now()},
	})
	if err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > outputTail {
		return "..." + s[len(s)-outputTail:]
	}
	return s
}
