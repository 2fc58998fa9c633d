package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicMessageOutbound)
	defer b.Unsubscribe(sub)

	b.Publish(TopicMessageOutbound, OutboundMessage{ChatJID: "123@c.us", Text: "hi"})

	select {
	case ev := <-sub.Ch():
		msg, ok := ev.Payload.(OutboundMessage)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if msg.ChatJID != "123@c.us" {
			t.Fatalf("unexpected jid %q", msg.ChatJID)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	runSub := b.Subscribe("run.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(runSub)
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskFired, TaskFiredEvent{TaskID: "t1"})

	select {
	case ev := <-runSub.Ch():
		t.Fatalf("run. subscriber received %s", ev.Topic)
	default:
	}
	select {
	case ev := <-allSub.Ch():
		if ev.Topic != TopicTaskFired {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber missed event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed")
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestFullBufferDropsEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicRunStarted, RunEvent{RunID: "r"})
	}
	// Publish must not block; draining gets at most the buffer size.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != defaultBufferSize {
				t.Fatalf("drained %d events, want %d", count, defaultBufferSize)
			}
			return
		}
	}
}
