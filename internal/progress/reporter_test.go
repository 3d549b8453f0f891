package progress

import (
	"context"
	"testing"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

func collectEvents(t *testing.T, bus *Bus, ctx context.Context) <-chan model.ProgressEvent {
	t.Helper()
	messages, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	out := make(chan model.ProgressEvent, 64)
	go func() {
		for msg := range messages {
			event, err := DecodeEvent(msg)
			msg.Ack()
			if err != nil {
				continue
			}
			out <- event
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan model.ProgressEvent) model.ProgressEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for progress event")
		return model.ProgressEvent{}
	}
}

func TestReporterPublishesRunningTotals(t *testing.T) {
	bus := NewGoChannelBus("progress_events")
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := collectEvents(t, bus, ctx)

	reporter := NewReporter(bus, "run-1", time.Millisecond)
	reporter.Report(D(model.CounterTotal))
	reporter.Report(D(model.CounterTotal), N(model.CounterChanges, 3))

	first := nextEvent(t, events)
	if first.Name != model.CounterTotal || first.Value != 1 || first.RunID != "run-1" {
		t.Fatalf("first event = %+v", first)
	}
	second := nextEvent(t, events)
	if second.Name != model.CounterTotal || second.Value != 2 {
		t.Fatalf("second event = %+v", second)
	}
	third := nextEvent(t, events)
	if third.Name != model.CounterChanges || third.Value != 3 {
		t.Fatalf("third event = %+v", third)
	}

	snapshot := reporter.Snapshot()
	if snapshot[model.CounterTotal] != 2 || snapshot[model.CounterChanges] != 3 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestReporterErrorCarriesMessage(t *testing.T) {
	bus := NewGoChannelBus("progress_events")
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := collectEvents(t, bus, ctx)

	reporter := NewReporter(bus, "run-2", time.Millisecond)
	reporter.Error("Invalid reference")

	event := nextEvent(t, events)
	if event.Name != model.CounterError || event.Payload != "Invalid reference" {
		t.Fatalf("error event = %+v", event)
	}
}

func TestDocumentDebounceKeepsLatestSnapshot(t *testing.T) {
	bus := NewGoChannelBus("progress_events")
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := collectEvents(t, bus, ctx)

	reporter := NewReporter(bus, "run-3", 50*time.Millisecond)
	reporter.Document(`{"v":1}`)
	reporter.Document(`{"v":2}`)
	reporter.Document(`{"v":3}`)

	event := nextEvent(t, events)
	if event.Name != model.CounterDoc {
		t.Fatalf("event = %+v", event)
	}
	if event.Payload != `{"v":3}` {
		t.Fatalf("expected only the latest snapshot, got %q", event.Payload)
	}
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCloseFlushesPendingSnapshot(t *testing.T) {
	bus := NewGoChannelBus("progress_events")
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := collectEvents(t, bus, ctx)

	reporter := NewReporter(bus, "run-4", time.Hour)
	reporter.Document(`{"final":true}`)
	reporter.Close()

	event := nextEvent(t, events)
	if event.Payload != `{"final":true}` {
		t.Fatalf("flush event = %+v", event)
	}
}
