package channels_test

import (
	"errors"
	"testing"

	"github.com/basket/burrow/internal/channels"
)

// Compile-time interface check: TelegramChannel must implement Channel.
var _ channels.Channel = (*channels.TelegramChannel)(nil)

func TestTelegramChannelName(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("Name() = %q, want telegram", got)
	}
}

func TestTelegramOwnsIdentifier(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil)
	cases := []struct {
		jid  string
		want bool
	}{
		{"tg:12345", true},
		{"tg:-100987", true},
		{"wa:12345", false},
		{"12345", false},
	}
	for _, c := range cases {
		if got := ch.OwnsIdentifier(c.jid); got != c.want {
			t.Errorf("OwnsIdentifier(%q) = %v, want %v", c.jid, got, c.want)
		}
	}
}

func TestChatJIDRoundTrip(t *testing.T) {
	if got := channels.ChatJID(-1009876); got != "tg:-1009876" {
		t.Errorf("ChatJID = %q", got)
	}
}

func TestSendUnroutable(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil, nil)
	err := channels.Send([]channels.Channel{ch}, "wa:555", "hello")
	var unroutable *channels.UnroutableError
	if !errors.As(err, &unroutable) {
		t.Fatalf("got %v, want UnroutableError", err)
	}
}
