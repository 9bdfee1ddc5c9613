package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// maxListedFailures caps how many failed keywords one message lists.
const maxListedFailures = 10

// Failure is one keyword that could not be refreshed.
type Failure struct {
	KeywordID int64
	Keyword   string
	Domain    string
	Error     string
}

// RefreshSummary describes a finished refresh batch.
type RefreshSummary struct {
	RunID     string
	Trigger   string
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Duration  time.Duration
	Failures  []Failure
}

// DeliveryChannel sends a summary somewhere.
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, summary RefreshSummary) error
}

// Service fans refresh summaries out to its channels.
type Service struct {
	channels []DeliveryChannel
}

func NewService(channels ...DeliveryChannel) *Service {
	return &Service{channels: channels}
}

// AddChannel adds a delivery channel to the service
func (s *Service) AddChannel(ch DeliveryChannel) {
	s.channels = append(s.channels, ch)
}

// NotifyRefreshFailures delivers the summary when the batch had failures.
// Delivery errors are logged, never returned.
func (s *Service) NotifyRefreshFailures(ctx context.Context, summary RefreshSummary) {
	if s == nil || summary.Failed == 0 {
		return
	}

	for _, ch := range s.channels {
		if err := ch.Deliver(ctx, summary); err != nil {
			log.Warn().
				Err(err).
				Str("channel", ch.Name()).
				Str("run_id", summary.RunID).
				Msg("Failed to deliver refresh notification")
			continue
		}
		log.Debug().
			Str("channel", ch.Name()).
			Str("run_id", summary.RunID).
			Msg("Refresh notification delivered")
	}
}

// SlackChannel posts to an incoming webhook.
type SlackChannel struct {
	webhookURL string
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL}
}

// Name returns the channel name
func (c *SlackChannel) Name() string {
	return "slack"
}

// Deliver sends a summary to Slack
func (c *SlackChannel) Deliver(ctx context.Context, summary RefreshSummary) error {
	msg := &slack.WebhookMessage{
		Text:   fallbackText(summary),
		Blocks: &slack.Blocks{BlockSet: buildMessageBlocks(summary)},
	}

	if err := slack.PostWebhookContext(ctx, c.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post Slack webhook: %w", err)
	}
	return nil
}

func fallbackText(s RefreshSummary) string {
	return fmt.Sprintf("Keyword refresh: %d of %d failed", s.Failed, s.Total)
}

func buildMessageBlocks(s RefreshSummary) []slack.Block {
	header := fmt.Sprintf(":x: *Keyword refresh had %d failure(s)*\n%d succeeded, %d failed, %d skipped in %s",
		s.Failed, s.Succeeded, s.Failed, s.Skipped, s.Duration.Round(time.Second))

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", header, false, false),
			nil,
			nil,
		),
	}

	if len(s.Failures) > 0 {
		var b strings.Builder
		for i, f := range s.Failures {
			if i == maxListedFailures {
				fmt.Fprintf(&b, "…and %d more", len(s.Failures)-maxListedFailures)
				break
			}
			fmt.Fprintf(&b, "• `%s` (%s): %s\n", f.Keyword, f.Domain, f.Error)
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", b.String(), false, false),
			nil,
			nil,
		))
	}

	if s.RunID != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("run `%s` · trigger %s", s.RunID, s.Trigger), false, false),
		))
	}

	return blocks
}
