// Package qa runs quality-gate commands inside a workspace.
package qa

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

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"ticketline/internal/domain"
	"ticketline/internal/stages"
)

// Check is one command of the gate.
type Check struct {
	Name string
	Run  []string
	// When holds doublestar patterns; the check is skipped unless one of them
	// matches a file in the workspace. Empty means always run.
	When []string
}

// Runner implements stages.QualityGate. A check exiting non-zero fails the
// gate; a check that cannot start is an infrastructure error.
type Runner struct {
	Checks    []Check
	ReportDir string
	Log       *zap.Logger
	Now       func() time.Time
}

type result struct {
	check    Check
	skipped  bool
	exitCode int
	output   string
	elapsed  time.Duration
}

func (r *Runner) RunQualityGates(ctx context.Context, workflowID, workspacePath string) (domain.QAResult, error) {
	info, err := os.Stat(workspacePath)
	if err != nil {
		return domain.QAResult{}, stages.InfrastructureError(fmt.Errorf("workspace: %w", err))
	}
	if !info.IsDir() {
		return domain.QAResult{}, stages.InfrastructureError(fmt.Errorf("workspace %s is not a directory", workspacePath))
	}
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	passed := true
	var results []result
	for _, c := range r.Checks {
		applies, err := applies(workspacePath, c.When)
		if err != nil {
			return domain.QAResult{}, stages.InfrastructureError(fmt.Errorf("check %s: %w", c.Name, err))
		}
		if !applies {
			results = append(results, result{check: c, skipped: true})
			continue
		}
		res, err := run(ctx, workspacePath, c)
		if err != nil {
			return domain.QAResult{}, stages.InfrastructureError(fmt.Errorf("check %s: %w", c.Name, err))
		}
		log.Info("quality check finished",
			zap.String("workflow_id", workflowID),
			zap.String("check", c.Name),
			zap.Int("exit_code", res.exitCode),
			zap.Duration("elapsed", res.elapsed))
		if res.exitCode != 0 {
			passed = false
		}
		results = append(results, res)
	}

	reportURL, err := r.writeReport(workflowID, passed, results)
	if err != nil {
		return domain.QAResult{}, stages.InfrastructureError(err)
	}
	return domain.QAResult{Passed: passed, ReportURL: reportURL}, nil
}

func applies(dir string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	fsys := os.DirFS(dir)
	for _, p := range patterns {
		matches, err := doublestar.Glob(fsys, p)
		if err != nil {
			return false, err
		}
		if len(matches) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func run(ctx context.Context, dir string, c Check) (result, error) {
	if len(c.Run) == 0 {
		return result{}, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Run[0], c.Run[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	start := time.Now()
	err := cmd.Run()
	res := result{check: c, output: out.String(), elapsed: time.Since(start)}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.exitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, err
	}
}

func (r *Runner) writeReport(workflowID string, passed bool, results []result) (string, error) {
	if r.ReportDir == "" {
		return "", nil
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	var b strings.Builder
	verdict := "PASSED"
	if !passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(&b, "quality gate %s for workflow %s at %s\n", verdict, workflowID, now().UTC().Format(time.RFC3339))
	for _, res := range results {
		if res.skipped {
			fmt.Fprintf(&b, "\n== %s: skipped\n", res.check.Name)
			continue
		}
		fmt.Fprintf(&b, "\n== %s: exit %d in %s\n$ %s\n%s\n", res.check.Name, res.exitCode, res.elapsed.Round(time.Millisecond), strings.Join(res.check.Run, " "), strings.TrimRight(res.output, "\n"))
	}
	if err := os.MkdirAll(r.ReportDir, 0o755); err != nil {
		return "", err
	}
	path, err := filepath.Abs(filepath.Join(r.ReportDir, workflowID+".txt"))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(path), nil
}
