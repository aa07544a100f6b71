package slack

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/convoyops/internal/telegraph"
)

type fakeAPI struct {
	mu       sync.Mutex
	authErr  error
	postErr  error
	limited  int // answer the first N posts with 429
	calls    int
	channels []string
	posts    [][]slackapi.MsgOption
}

func (f *fakeAPI) AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slackapi.AuthTestResponse{UserID: "U_CONVOY"}, nil
}

func (f *fakeAPI) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.limited {
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.channels = append(f.channels, channelID)
	f.posts = append(f.posts, options)
	return channelID, "1700000000.000100", nil
}

func (f *fakeAPI) lastChannel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[len(f.channels)-1]
}

func connected(t *testing.T) (*Adapter, *fakeAPI) {
	t.Helper()
	fake := &fakeAPI{}
	a, err := New(AdapterOpts{API: fake, ChannelID: "C_OPS"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return a, fake
}

// rendered returns the form values Slack would receive.
func rendered(t *testing.T, opts []slackapi.MsgOption) url.Values {
	t.Helper()
	_, vals, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", "C_OPS", "https://slack.com/api/", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return vals
}

func TestNew(t *testing.T) {
	if _, err := New(AdapterOpts{ChannelID: "C_OPS"}); err == nil {
		t.Error("expected error without token")
	}
	a, err := New(AdapterOpts{BotToken: "xoxb-test"})
	if err != nil {
		t.Fatal(err)
	}
	if a.api != nil {
		t.Error("client created before Connect")
	}
}

func TestConnect(t *testing.T) {
	a, _ := connected(t)
	if a.BotUserID() != "U_CONVOY" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("second Connect: %v", err)
	}

	b, _ := New(AdapterOpts{API: &fakeAPI{authErr: errors.New("invalid_auth")}})
	if err := b.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "invalid_auth") {
		t.Errorf("Connect err = %v", err)
	}

	c, _ := New(AdapterOpts{API: &fakeAPI{}})
	c.Close()
	if err := c.Connect(context.Background()); err == nil {
		t.Error("Connect after Close succeeded")
	}
}

func TestSend_Channels(t *testing.T) {
	a, fake := connected(t)
	ctx := context.Background()

	if err := a.Send(ctx, telegraph.OutboundMessage{Text: "Convoy rolling"}); err != nil {
		t.Fatal(err)
	}
	if got := fake.lastChannel(); got != "C_OPS" {
		t.Errorf("channel = %q, want C_OPS", got)
	}
	if err := a.Send(ctx, telegraph.OutboundMessage{ChannelID: "C_AIR", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if got := fake.lastChannel(); got != "C_AIR" {
		t.Errorf("channel = %q, want C_AIR", got)
	}

	bare, _ := New(AdapterOpts{API: &fakeAPI{}})
	bare.Connect(ctx)
	if err := bare.Send(ctx, telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("expected error without a channel")
	}
}

func TestSend_Refused(t *testing.T) {
	ctx := context.Background()
	notYet, _ := New(AdapterOpts{API: &fakeAPI{}, ChannelID: "C_OPS"})
	if err := notYet.Send(ctx, telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("Send before Connect succeeded")
	}

	a, fake := connected(t)
	fake.postErr = fmt.Errorf("channel_not_found")
	if err := a.Send(ctx, telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("expected post error")
	}
	a.Close()
	if err := a.Send(ctx, telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Error("Send after Close succeeded")
	}
}

func TestSend_RateLimited(t *testing.T) {
	a, fake := connected(t)
	fake.limited = 2
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 3 || len(fake.posts) != 1 {
		t.Errorf("calls = %d, posts = %d", fake.calls, len(fake.posts))
	}
}

func TestMessageOptions_Urgent(t *testing.T) {
	tests := []struct {
		name string
		msg  telegraph.OutboundMessage
		want string
	}{
		{"plain", telegraph.OutboundMessage{Text: "Alert raised by RECO"}, "Alert raised by RECO"},
		{"urgent", telegraph.OutboundMessage{Text: "Alert raised by RECO", Urgent: true}, "<!here> Alert raised by RECO"},
		{"urgent no text", telegraph.OutboundMessage{Urgent: true}, "<!here>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rendered(t, messageOptions(tt.msg)).Get("text"); got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageOptions_Attachments(t *testing.T) {
	vals := rendered(t, messageOptions(telegraph.OutboundMessage{
		Text: "Alert raised by RECO",
		Events: []telegraph.FormattedEvent{{
			Title:    "Alert raised by RECO",
			Body:     "technical on the ridge",
			Severity: "error",
			Color:    telegraph.ColorError,
			Fields:   []telegraph.Field{{Name: "Category", Value: "hostile", Short: true}},
		}},
	}))
	raw := vals.Get("attachments")
	for _, want := range []string{telegraph.ColorError, `"type":"header"`, "technical on the ridge", "*Category*\\nhostile", "convoyops | error"} {
		if !strings.Contains(raw, want) {
			t.Errorf("attachments missing %q: %s", want, raw)
		}
	}
}

func TestEventBlocks(t *testing.T) {
	fields := make([]telegraph.Field, 0, 13)
	for i := 0; i < 12; i++ {
		fields = append(fields, telegraph.Field{Name: fmt.Sprintf("F%d", i), Value: "v", Short: true})
	}
	fields = append(fields, telegraph.Field{Name: "Recommendation", Value: "hold at WP2"})

	blocks := eventBlocks(telegraph.FormattedEvent{Title: "Sitrep", Fields: fields})
	// header, long field, two field sections, context
	if len(blocks) != 5 {
		t.Fatalf("blocks = %d, want 5", len(blocks))
	}
	if blocks[0].BlockType() != slackapi.MBTHeader || blocks[4].BlockType() != slackapi.MBTContext {
		t.Errorf("block types = %s ... %s", blocks[0].BlockType(), blocks[4].BlockType())
	}
	first, ok := blocks[2].(*slackapi.SectionBlock)
	if !ok || len(first.Fields) != maxSectionFields {
		t.Errorf("first field section = %+v", blocks[2])
	}
	second := blocks[3].(*slackapi.SectionBlock)
	if len(second.Fields) != 2 {
		t.Errorf("second field section has %d fields", len(second.Fields))
	}
}

func TestPostWithRetry(t *testing.T) {
	t.Run("other errors are final", func(t *testing.T) {
		calls := 0
		err := postWithRetry(context.Background(), func() error { calls++; return errors.New("boom") })
		if err == nil || calls != 1 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})
	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := postWithRetry(context.Background(), func() error {
			calls++
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		})
		if err == nil || calls != rateLimitAttempts {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := postWithRetry(ctx, func() error {
			calls++
			return &slackapi.RateLimitedError{RetryAfter: time.Second}
		})
		if !errors.Is(err, context.Canceled) || calls != 1 {
			t.Errorf("err = %v, calls = %d", err, calls)
		}
	})
}
