package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/jadenj13/toolpatch/internals/tracker"
)

// Incident describes a normalization that had to insert placeholders.
type Incident struct {
	At      time.Time
	Source  string   // which surface normalized the conversation
	Missing []string // reference IDs that got placeholders
	Blocks  int      // assistant payload size after normalization
}

func (i Incident) Summary() string {
	return fmt.Sprintf("%d tool result(s) missing from %s: %s",
		len(i.Missing), i.Source, strings.Join(i.Missing, ", "))
}

type Reporter interface {
	Report(ctx context.Context, inc Incident) error
}

type LogReporter struct {
	log *slog.Logger
}

func NewLogReporter(log *slog.Logger) *LogReporter {
	return &LogReporter{log: log}
}

func (r *LogReporter) Report(_ context.Context, inc Incident) error {
	r.log.Warn("tool results missing, placeholders inserted",
		"source", inc.Source,
		"missing", inc.Missing,
		"blocks", inc.Blocks,
	)
	return nil
}

type SlackReporter struct {
	client    *slack.Client
	channelID string
}

func NewSlackReporter(botToken, channelID string, opts ...slack.Option) *SlackReporter {
	return &SlackReporter{
		client:    slack.New(botToken, opts...),
		channelID: channelID,
	}
}

func (r *SlackReporter) Report(ctx context.Context, inc Incident) error {
	text := fmt.Sprintf(
		":warning: *Placeholder tool results inserted*\n"+
			"Source: %s\n"+
			"Missing: `%s`\n"+
			"At: %s",
		inc.Source,
		strings.Join(inc.Missing, "`, `"),
		inc.At.UTC().Format(time.RFC3339),
	)

	_, _, err := r.client.PostMessageContext(ctx, r.channelID,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}

// TrackerReporter keeps one open issue per incident source. The first
// incident opens it; repeats are added as comments while it stays open.
type TrackerReporter struct {
	tracker tracker.Tracker
	labels  []string
}

// NewTrackerReporter labels new issues with labels. The first label also
// identifies the open issue to reuse; without labels every incident opens a
// new issue.
func NewTrackerReporter(t tracker.Tracker, labels ...string) *TrackerReporter {
	return &TrackerReporter{tracker: t, labels: labels}
}

func (r *TrackerReporter) Report(ctx context.Context, inc Incident) error {
	_, _, err := tracker.File(ctx, r.tracker, tracker.IssueInput{
		Title:  "Missing tool results from " + inc.Source,
		Body:   issueBody(inc),
		Labels: r.labels,
	}, occurrence(inc))
	if err != nil {
		return fmt.Errorf("file incident: %w", err)
	}
	return nil
}

func issueBody(inc Incident) string {
	var sb strings.Builder
	sb.WriteString("## Missing tool results\n\n")
	sb.WriteString("The provider required tool results that no tool produced. ")
	sb.WriteString("Placeholder blocks carrying an error were inserted instead. ")
	sb.WriteString("Later occurrences are added as comments.\n\n")
	sb.WriteString(occurrence(inc))
	return sb.String()
}

func occurrence(inc Incident) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d missing, %d assistant blocks after repair\n\n",
		inc.At.UTC().Format(time.RFC3339), len(inc.Missing), inc.Blocks)
	for _, id := range inc.Missing {
		fmt.Fprintf(&sb, "- `%s`\n", id)
	}
	return sb.String()
}

// Multi fans an incident out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, inc Incident) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, inc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
