// Package tracker is the issue-tracker collaborator. All calls go through
// the governor's rate limiter for the "issue-tracker" dependency.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"
)

// Dependency is the rate-limit and circuit-breaker key for this collaborator
const Dependency = "issue-tracker"

// WorkItem is one unit of work read from the tracker
type WorkItem struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

// Tracker reads work items and posts status back
type Tracker interface {
	FetchItem(ctx context.Context, ref string) (*WorkItem, error)
	ListCandidates(ctx context.Context, label string) ([]*WorkItem, error)
	Comment(ctx context.Context, ref, body string) error
	CloseItem(ctx context.Context, ref string) error
}

// RateWaiter gates calls to an external dependency
type RateWaiter interface {
	Wait(ctx context.Context, dependency string) error
}

// CLITracker talks to GitHub issues via the gh CLI
type CLITracker struct {
	repo   string
	waiter RateWaiter
	log    zerolog.Logger

	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewCLI creates a tracker for the given owner/repo
func NewCLI(repo string, waiter RateWaiter, log zerolog.Logger) *CLITracker {
	return &CLITracker{
		repo:   repo,
		waiter: waiter,
		log:    log.With().Str("component", "tracker").Logger(),
		run: func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, "gh", args...).Output()
		},
	}
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (i ghIssue) item() *WorkItem {
	labels := make([]string, len(i.Labels))
	for k, l := range i.Labels {
		labels[k] = l.Name
	}
	return &WorkItem{Number: i.Number, Title: i.Title, Body: i.Body, Labels: labels}
}

// FetchItem reads one work item; ref is the issue number
func (t *CLITracker) FetchItem(ctx context.Context, ref string) (*WorkItem, error) {
	if err := t.waiter.Wait(ctx, Dependency); err != nil {
		return nil, err
	}
	if _, err := strconv.Atoi(ref); err != nil {
		return nil, fmt.Errorf("work item ref %q is not an issue number", ref)
	}

	out, err := t.run(ctx, "issue", "view", ref,
		"--repo", t.repo,
		"--json", "number,title,body,labels")
	if err != nil {
		return nil, fmt.Errorf("gh issue view %s: %w", ref, err)
	}

	var issue ghIssue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	return issue.item(), nil
}

// ListCandidates returns open items carrying the given label
func (t *CLITracker) ListCandidates(ctx context.Context, label string) ([]*WorkItem, error) {
	if err := t.waiter.Wait(ctx, Dependency); err != nil {
		return nil, err
	}

	out, err := t.run(ctx, "issue", "list",
		"--repo", t.repo,
		"--label", label,
		"--json", "number,title,body,labels",
		"--limit", "100")
	if err != nil {
		return nil, fmt.Errorf("gh issue list: %w", err)
	}

	var issues []ghIssue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}

	items := make([]*WorkItem, len(issues))
	for i, issue := range issues {
		items[i] = issue.item()
	}
	return items, nil
}

// Comment posts a status comment on a work item
func (t *CLITracker) Comment(ctx context.Context, ref, body string) error {
	if err := t.waiter.Wait(ctx, Dependency); err != nil {
		return err
	}
	_, err := t.run(ctx, "issue", "comment", ref,
		"--repo", t.repo,
		"--body", body)
	if err != nil {
		return fmt.Errorf("gh issue comment %s: %w", ref, err)
	}
	return nil
}

// CloseItem closes a work item
func (t *CLITracker) CloseItem(ctx context.Context, ref string) error {
	if err := t.waiter.Wait(ctx, Dependency); err != nil {
		return err
	}
	_, err := t.run(ctx, "issue", "close", ref, "--repo", t.repo)
	if err != nil {
		return fmt.Errorf("gh issue close %s: %w", ref, err)
	}
	return nil
}

// Noop is a Tracker that does nothing; used when no tracker is configured
type Noop struct{}

func (Noop) FetchItem(ctx context.Context, ref string) (*WorkItem, error) {
	return &WorkItem{Title: ref}, nil
}
func (Noop) ListCandidates(ctx context.Context, label string) ([]*WorkItem, error) {
	return nil, nil
}
func (Noop) Comment(ctx context.Context, ref, body string) error { return nil }
func (Noop) CloseItem(ctx context.Context, ref string) error     { return nil }
