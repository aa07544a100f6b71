// Package telegraph relays notable convoy session events to a chat
// platform (Slack, Discord). The relay is outbound only.
package telegraph

import "context"

// Adapter posts relay output to one chat platform.
type Adapter interface {
	// Connect checks the bot credentials. Send fails until it succeeds.
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	Close() error
}

// OutboundMessage is one chat post. An empty ChannelID means the
// adapter's configured channel.
type OutboundMessage struct {
	ChannelID string
	Text      string // plain headline, also the push-notification preview
	Events    []FormattedEvent

	// Urgent posts ping everyone present in the channel.
	Urgent bool
}

// FormattedEvent is a hub notice or sitrep rendered for chat.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // info, warning, error or success
	Color    string // hex sidebar color derived from Severity
	Fields   []Field
}

// Field is a labelled value under an event. Short fields may be laid
// out two per row.
type Field struct {
	Name  string
	Value string
	Short bool
}
