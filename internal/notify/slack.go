package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

// Escalation is a borrower the backend flagged for manual processing.
type Escalation struct {
	BorrowerID   domain.BorrowerID
	BorrowerName string
	Category     string
	Summary      string
	Email        *domain.EmailPreview
}

// Escalator forwards escalations to the people who act on them.
type Escalator interface {
	Escalate(ctx context.Context, escalation Escalation) error
}

// NoopEscalator drops escalations. Used when Slack is not configured.
type NoopEscalator struct{}

func (NoopEscalator) Escalate(context.Context, Escalation) error { return nil }

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackEscalator posts escalations to a channel.
type SlackEscalator struct {
	api     slackPoster
	channel string
	logger  *slog.Logger
}

func NewSlackEscalator(api *slack.Client, channel string, logger *slog.Logger) *SlackEscalator {
	return &SlackEscalator{api: api, channel: channel, logger: logger}
}

func (s *SlackEscalator) Escalate(ctx context.Context, escalation Escalation) error {
	text := escalationText(escalation)
	_, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to post escalation: %w", err)
	}
	s.logger.Info("escalation posted", "borrower_id", string(escalation.BorrowerID), "channel", s.channel, "ts", ts)
	return nil
}

func escalationText(e Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *Manual follow-up needed* for borrower *%s*", e.BorrowerID)
	if e.BorrowerName != "" {
		fmt.Fprintf(&b, " (%s)", e.BorrowerName)
	}
	if e.Category != "" {
		fmt.Fprintf(&b, "\nDue: %s", domain.CategoryLabel(e.Category))
	}
	if e.Summary != "" {
		fmt.Fprintf(&b, "\nSummary: %s", e.Summary)
	}
	if e.Email != nil {
		fmt.Fprintf(&b, "\n\n*To:* %s\n*Subject:* %s\n%s", e.Email.To, e.Email.Subject, e.Email.Body)
	}
	return b.String()
}
