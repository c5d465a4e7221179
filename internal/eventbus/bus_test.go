package eventbus

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicNodeUpdate)
	defer sub.Close()

	b.Publish(TopicNodeUpdate, "node-1")

	select {
	case ev := <-sub.Events():
		if ev.ID != "node-1" {
			t.Fatalf("expected event id node-1, got %s", ev.ID)
		}
		if ev.DropCount != 0 {
			t.Fatalf("expected no drops, got %d", ev.DropCount)
		}
	default:
		t.Fatal("expected an event to be delivered")
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	b := New()
	nodeSub := b.Subscribe(TopicNodeUpdate)
	defer nodeSub.Close()
	jobSub := b.Subscribe(TopicJobUpdate)
	defer jobSub.Close()

	b.Publish(TopicJobUpdate, "job-1")

	select {
	case <-nodeSub.Events():
		t.Fatal("node subscriber should not receive job events")
	default:
	}

	select {
	case ev := <-jobSub.Events():
		if ev.ID != "job-1" {
			t.Fatalf("expected job-1, got %s", ev.ID)
		}
	default:
		t.Fatal("expected job event to be delivered")
	}
}

func TestPublishDropsOldestOnOverflow(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicNodeUpdate)
	defer sub.Close()

	total := defaultQueueSize + 5
	for i := 0; i < total; i++ {
		b.Publish(TopicNodeUpdate, "node-overflow")
	}

	var last Event
	count := 0
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				break
			}
			last = ev
			count++
			continue
		default:
		}
		break
	}

	if count != defaultQueueSize {
		t.Fatalf("expected queue to hold exactly %d events, got %d", defaultQueueSize, count)
	}
	if last.DropCount == 0 {
		t.Fatalf("expected drop count to be annotated on surviving events")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicNodeUpdate)
	sub.Close()

	b.Publish(TopicNodeUpdate, "node-after-close")

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed subscription channel")
	}
}
