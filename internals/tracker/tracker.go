package tracker

import (
	"context"
	"fmt"
)

// Tracker files incidents in a repository's issue tracker.
type Tracker interface {
	CreateIssue(ctx context.Context, input IssueInput) (Issue, error)
	// FindOpenIssue looks for an open issue carrying label whose title is
	// exactly title.
	FindOpenIssue(ctx context.Context, title, label string) (Issue, bool, error)
	Comment(ctx context.Context, number int, body string) error
	RepoURL() string
}

type IssueInput struct {
	Title  string
	Body   string   // Markdown
	Labels []string // the first label keys deduplication
}

type Issue struct {
	Number int
	Title  string
	URL    string
}

// File opens an issue for input, or comments followUp on the open issue
// with the same title and first label. The bool reports whether an existing
// issue was reused.
func File(ctx context.Context, t Tracker, input IssueInput, followUp string) (Issue, bool, error) {
	if len(input.Labels) > 0 {
		issue, found, err := t.FindOpenIssue(ctx, input.Title, input.Labels[0])
		if err != nil {
			return Issue{}, false, fmt.Errorf("find open incident: %w", err)
		}
		if found {
			if err := t.Comment(ctx, issue.Number, followUp); err != nil {
				return Issue{}, false, fmt.Errorf("comment on #%d: %w", issue.Number, err)
			}
			return issue, true, nil
		}
	}

	issue, err := t.CreateIssue(ctx, input)
	if err != nil {
		return Issue{}, false, err
	}
	return issue, false, nil
}

type Platform int

const (
	PlatformGitHub Platform = iota
	PlatformGitLab
)

func (p Platform) String() string {
	switch p {
	case PlatformGitHub:
		return "github"
	case PlatformGitLab:
		return "gitlab"
	default:
		return "unknown"
	}
}
