package bus

import (
	"testing"
	"time"
)

func TestPublish_DeliversToMatchingSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(StateChanged, "dev-A")

	b.Publish(NewStateChanged("dev-A", "PLAYING", nil))

	select {
	case evt := <-ch:
		if evt.DeviceID != "dev-A" {
			t.Errorf("expected device dev-A, got %s", evt.DeviceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_FiltersByDeviceID(t *testing.T) {
	b := New()
	ch := b.Subscribe(StateChanged, "dev-A")

	b.Publish(NewStateChanged("dev-B", "PLAYING", nil))

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event for other device: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_WildcardSubscriberSeesEverything(t *testing.T) {
	b := New()
	ch := b.SubscribeAll()

	b.Publish(Play("dev-A", "http://x/track.flac", 0))
	b.Publish(NewVolumeChanged("dev-B", 40))

	first := <-ch
	second := <-ch
	if first.Type != CmdPlay || second.Type != VolumeChanged {
		t.Errorf("unexpected event order: %v, %v", first.Type, second.Type)
	}
}

func TestPublish_PreservesOrderPerSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(CmdSeek, "dev-A")

	for i := 0; i < 5; i++ {
		b.Publish(Seek("dev-A", float64(i)))
	}

	for i := 0; i < 5; i++ {
		evt := <-ch
		pos, _ := evt.Data["position"].(float64)
		if pos != float64(i) {
			t.Errorf("expected position %d, got %v", i, pos)
		}
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe("", "")
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}
}

func TestUnsubscribeDevice_RemovesAllOfThatDevice(t *testing.T) {
	b := New()
	chA := b.Subscribe(StateChanged, "dev-A")
	chAll := b.SubscribeAll()

	b.UnsubscribeDevice("dev-A")

	if _, ok := <-chA; ok {
		t.Error("expected dev-A subscription to be closed")
	}

	b.Publish(NewVolumeChanged("dev-B", 10))
	select {
	case evt := <-chAll:
		if evt.DeviceID != "dev-B" {
			t.Errorf("expected dev-B event, got %s", evt.DeviceID)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber should still be active")
	}
}
