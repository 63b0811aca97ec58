package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindRunStart})
	b.Emit(SourceAgent, KindRunComplete, nil)
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", n)
	}
}

func TestEmit_RunSequence(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceAgent, KindRunStart, map[string]any{"run_id": "run-1", "model": "gpt-3.5-turbo"})
	b.Emit(SourceAgent, KindCommand, map[string]any{"run_id": "run-1", "round": 1, "command": "google"})
	b.Emit(SourceAgent, KindRunComplete, map[string]any{"run_id": "run-1", "status": "complete"})

	for _, want := range []string{KindRunStart, KindCommand, KindRunComplete} {
		e := recv(t, ch)
		if e.Kind != want || e.Source != SourceAgent {
			t.Errorf("got %s/%s, want agent/%s", e.Source, e.Kind, want)
		}
		if e.Data["run_id"] != "run-1" {
			t.Errorf("%s run_id = %v", e.Kind, e.Data["run_id"])
		}
		if e.Timestamp.Before(before) {
			t.Errorf("%s timestamp %v precedes emit", e.Kind, e.Timestamp)
		}
	}
}

func TestPublish_FanOut(t *testing.T) {
	b := New()
	subs := make([]<-chan Event, 3)
	for i := range subs {
		subs[i] = b.Subscribe(2)
	}

	b.Emit(SourceConnwatch, KindServiceState, map[string]any{"service": "memory", "ready": false})

	for i, ch := range subs {
		if e := recv(t, ch); e.Kind != KindServiceState || e.Data["service"] != "memory" {
			t.Errorf("subscriber %d got %+v", i, e)
		}
		b.Unsubscribe(ch)
	}
}

func TestPublish_SlowSubscriberDrops(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(4)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for _, kind := range []string{KindLLMCall, KindLLMResponse, KindCommand} {
		b.Emit(SourceAgent, kind, nil)
	}

	if e := recv(t, slow); e.Kind != KindLLMCall {
		t.Errorf("slow subscriber got %q first, want %q", e.Kind, KindLLMCall)
	}
	select {
	case e := <-slow:
		t.Errorf("slow subscriber kept %q past its buffer", e.Kind)
	default:
	}

	for _, want := range []string{KindLLMCall, KindLLMResponse, KindCommand} {
		if e := recv(t, fast); e.Kind != want {
			t.Errorf("fast subscriber got %q, want %q", e.Kind, want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	if n := b.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", n)
	}

	b.Unsubscribe(a)
	b.Unsubscribe(a) // second call is ignored
	if _, open := <-a; open {
		t.Error("channel still open after Unsubscribe")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", n)
	}

	b.Emit(SourceAgent, KindAwaitingFeedback, nil)
	if e := recv(t, c); e.Kind != KindAwaitingFeedback {
		t.Errorf("remaining subscriber got %q", e.Kind)
	}
	b.Unsubscribe(c)
	b.Emit(SourceAgent, KindRunComplete, nil)
}

func TestConcurrentRuns(t *testing.T) {
	b := New()
	ch := b.Subscribe(32)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var runs sync.WaitGroup
	for r := range 8 {
		runs.Add(1)
		go func() {
			defer runs.Done()
			for round := range 50 {
				b.Emit(SourceAgent, KindCommandDone, map[string]any{"run": r, "round": round})
			}
		}()
	}
	runs.Wait()

	b.Unsubscribe(ch)
	drained.Wait()
}
