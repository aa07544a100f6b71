// Package slack posts telegraph relay output to a Slack channel through
// the Web API. Each event becomes a colored attachment laid out with
// Block Kit.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/convoyops/internal/telegraph"
)

const (
	// rateLimitAttempts caps posts per message when Slack answers 429.
	rateLimitAttempts = 4
	// maxSectionFields is Block Kit's per-section field limit.
	maxSectionFields = 10
	hereMention      = "<!here>"
)

// api is the part of *slackapi.Client the adapter calls.
type api interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Adapter implements telegraph.Adapter for Slack.
type Adapter struct {
	token   string
	channel string

	mu     sync.Mutex
	api    api
	botID  string
	ready  bool
	closed bool
}

// AdapterOpts configures New. API replaces the real client in tests.
type AdapterOpts struct {
	BotToken  string
	ChannelID string
	API       api
}

// New returns an adapter. The Slack client is created on Connect.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.BotToken == "" && opts.API == nil {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	return &Adapter{token: opts.BotToken, channel: opts.ChannelID, api: opts.API}, nil
}

// Connect runs auth.test with the bot token.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("slack: adapter closed")
	case a.ready:
		return nil
	}
	if a.api == nil {
		a.api = slackapi.New(a.token)
	}
	resp, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botID = resp.UserID
	a.ready = true
	return nil
}

// Send posts msg, retrying while Slack rate-limits the bot.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	ready, client := a.ready, a.api
	a.mu.Unlock()
	if !ready {
		return fmt.Errorf("slack: not connected")
	}

	channel := msg.ChannelID
	if channel == "" {
		channel = a.channel
	}
	if channel == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	opts := messageOptions(msg)
	err := postWithRetry(ctx, func() error {
		_, _, err := client.PostMessageContext(ctx, channel, opts...)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: post to %s: %w", channel, err)
	}
	return nil
}

// Close stops further sends. The Web API keeps no socket open.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.ready = false
	a.mu.Unlock()
	return nil
}

// BotUserID is the bot's user id as reported by auth.test.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botID
}

func messageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	text := msg.Text
	if msg.Urgent {
		text = strings.TrimSpace(hereMention + " " + text)
	}
	var opts []slackapi.MsgOption
	if text != "" || len(msg.Events) == 0 {
		opts = append(opts, slackapi.MsgOptionText(text, false))
	}
	if len(msg.Events) > 0 {
		atts := make([]slackapi.Attachment, len(msg.Events))
		for i, ev := range msg.Events {
			atts[i] = attachment(ev)
		}
		opts = append(opts, slackapi.MsgOptionAttachments(atts...))
	}
	return opts
}

// attachment keeps the severity color on the sidebar and puts the
// content in blocks.
func attachment(ev telegraph.FormattedEvent) slackapi.Attachment {
	return slackapi.Attachment{
		Color:    ev.Color,
		Fallback: ev.Title,
		Blocks:   slackapi.Blocks{BlockSet: eventBlocks(ev)},
	}
}

func eventBlocks(ev telegraph.FormattedEvent) []slackapi.Block {
	blocks := []slackapi.Block{
		slackapi.NewHeaderBlock(slackapi.NewTextBlockObject(slackapi.PlainTextType, ev.Title, false, false)),
	}
	if ev.Body != "" {
		blocks = append(blocks, slackapi.NewSectionBlock(mrkdwn(ev.Body), nil, nil))
	}

	var short []*slackapi.TextBlockObject
	for _, f := range ev.Fields {
		if !f.Short {
			blocks = append(blocks, slackapi.NewSectionBlock(mrkdwn(fieldText(f)), nil, nil))
			continue
		}
		short = append(short, mrkdwn(fieldText(f)))
	}
	for len(short) > 0 {
		n := min(len(short), maxSectionFields)
		blocks = append(blocks, slackapi.NewSectionBlock(nil, short[:n], nil))
		short = short[n:]
	}

	footer := "convoyops"
	if ev.Severity != "" {
		footer += " | " + ev.Severity
	}
	return append(blocks, slackapi.NewContextBlock("", mrkdwn(footer)))
}

func fieldText(f telegraph.Field) string {
	return "*" + f.Name + "*\n" + f.Value
}

func mrkdwn(s string) *slackapi.TextBlockObject {
	return slackapi.NewTextBlockObject(slackapi.MarkdownType, s, false, false)
}

// postWithRetry retries fn on 429 responses, waiting for Slack's
// Retry-After or, without one, 1s, 2s, 4s.
func postWithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < rateLimitAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var limited *slackapi.RateLimitedError
		if !errors.As(err, &limited) || attempt == rateLimitAttempts-1 {
			return err
		}
		wait := limited.RetryAfter
		if wait <= 0 {
			wait = time.Second << attempt
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
