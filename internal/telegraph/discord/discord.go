// Package discord posts telegraph relay output to a Discord channel over
// the REST API. No gateway connection is opened.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/telegraph"
)

const (
	sendAttempts = 4
	firstBackoff = 2 * time.Second
	maxBackoff   = 30 * time.Second

	// Discord rejects embeds over these limits.
	maxEmbedFields = 25
	maxTitleLen    = 256
)

// rest is the part of *discordgo.Session the adapter calls.
type rest interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// Adapter implements telegraph.Adapter for Discord.
type Adapter struct {
	token   string
	channel string
	log     *slog.Logger
	backoff time.Duration

	mu     sync.Mutex
	rest   rest
	botID  string
	ready  bool
	closed bool
}

// AdapterOpts configures New. Session replaces the real REST session in
// tests.
type AdapterOpts struct {
	BotToken  string
	ChannelID string
	Logger    *slog.Logger
	Session   rest
}

// New returns an adapter. The REST session is created on Connect.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.BotToken == "" && opts.Session == nil {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		token:   opts.BotToken,
		channel: opts.ChannelID,
		log:     logging.OrDefault(opts.Logger),
		backoff: firstBackoff,
		rest:    opts.Session,
	}, nil
}

// Connect checks the token by fetching the bot's own user.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("discord: adapter closed")
	case a.ready:
		return nil
	}
	if a.rest == nil {
		s, err := discordgo.New("Bot " + a.token)
		if err != nil {
			return fmt.Errorf("discord: new session: %w", err)
		}
		a.rest = s
	}
	me, err := a.rest.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: fetch bot user: %w", err)
	}
	a.botID = me.ID
	a.ready = true
	return nil
}

// Send posts msg with one embed per event.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	ready, client := a.ready, a.rest
	a.mu.Unlock()
	if !ready {
		return fmt.Errorf("discord: not connected")
	}

	channel := msg.ChannelID
	if channel == "" {
		channel = a.channel
	}
	if channel == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := messageSend(msg)
	err := a.sendWithBackoff(ctx, func() error {
		_, err := client.ChannelMessageSendComplex(channel, data, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("discord: post to %s: %w", channel, err)
	}
	return nil
}

// Close closes the session once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed, a.ready = true, false
	if a.rest == nil {
		return nil
	}
	return a.rest.Close()
}

// BotUserID is the bot's user id, known after Connect.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botID
}

// messageSend renders msg. Only urgent posts may mention anyone, and then
// only @here; text copied from alert descriptions never pings.
func messageSend(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{
		Content:         msg.Text,
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	if msg.Urgent {
		data.Content = strings.TrimSpace("@here " + msg.Text)
		data.AllowedMentions.Parse = []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone}
	}
	for _, ev := range msg.Events {
		data.Embeds = append(data.Embeds, embed(ev))
	}
	return data
}

func embed(ev telegraph.FormattedEvent) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       truncate(ev.Title, maxTitleLen),
		Description: ev.Body,
		Color:       hexColor(ev.Color),
		Footer:      &discordgo.MessageEmbedFooter{Text: "convoyops"},
	}
	if ev.Severity != "" {
		e.Footer.Text += " | " + ev.Severity
	}
	for i, f := range ev.Fields {
		if i == maxEmbedFields {
			break
		}
		value := f.Value
		if value == "" {
			value = "-"
		}
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: value, Inline: f.Short})
	}
	return e
}

// hexColor parses "#rrggbb". Malformed input yields 0, Discord's default.
func hexColor(s string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 24)
	if err != nil {
		return 0
	}
	return int(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// sendWithBackoff retries fn on HTTP 429, doubling the wait from
// a.backoff up to maxBackoff.
func (a *Adapter) sendWithBackoff(ctx context.Context, fn func() error) error {
	wait := a.backoff
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err = fn(); err == nil || !rateLimited(err) || attempt == sendAttempts {
			return err
		}
		a.log.Warn("discord: rate limited", "attempt", attempt, "wait", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, maxBackoff)
	}
	return err
}

func rateLimited(err error) bool {
	var re *discordgo.RESTError
	return errors.As(err, &re) && re.Response != nil && re.Response.StatusCode == http.StatusTooManyRequests
}
