package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// SlackNotifier pings a review channel when a suggestion lands in a human
// queue. Plain text only; the review itself happens in the product surface.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a notifier posting to the given channel.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
	}
}

func (n *SlackNotifier) NotifyReview(ctx context.Context, d Dossier, s model.Suggestion) error {
	var b strings.Builder
	verb := "approval"
	if s.Routing == model.RouteHITLEdit {
		verb = "review and edit"
	}
	fmt.Fprintf(&b, "Suggestion awaiting %s: %s (confidence %d, context %d)",
		verb, s.Action, s.Confidence, s.ContextQuality)
	if d.Contact != nil && d.Contact.Name != nil {
		fmt.Fprintf(&b, " for %s", *d.Contact.Name)
	}
	if d.Urgency == UrgencyImmediate || d.Urgency == UrgencyToday {
		fmt.Fprintf(&b, " [urgency: %s]", d.Urgency)
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(b.String(), false),
	)
	if err != nil {
		return fmt.Errorf("ai: post review notification: %w", err)
	}
	return nil
}
