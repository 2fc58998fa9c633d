package channels

import (
	"context"
)

// InboundHandler receives one inbound chat message. chatJID is the
// channel-prefixed chat identifier (e.g. "tg:12345").
type InboundHandler func(ctx context.Context, chatJID, text string)

// Channel is a messaging platform integration. Outbound routing is dynamic:
// the dispatcher asks each channel whether it owns an identifier, so adding
// a platform means one new implementation, no switch statements.
type Channel interface {
	// Name returns the unique name of the channel (e.g. "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// SendMessage delivers text to the chat named by chatJID.
	SendMessage(chatJID, text string) error

	// OwnsIdentifier reports whether chatJID belongs to this channel.
	OwnsIdentifier(chatJID string) bool
}

// Send routes an outbound message to the first channel owning the identifier.
func Send(chs []Channel, chatJID, text string) error {
	for _, c := range chs {
		if c.OwnsIdentifier(chatJID) {
			return c.SendMessage(chatJID, text)
		}
	}
	return &UnroutableError{ChatJID: chatJID}
}

// UnroutableError reports an outbound message no channel could deliver.
type UnroutableError struct {
	ChatJID string
}

func (e *UnroutableError) Error() string {
	return "no channel owns identifier " + e.ChatJID
}
