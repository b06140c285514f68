package bus

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestSubjectsForPrefixes(t *testing.T) {
	tests := []struct {
		name     string
		prefixes []string
		want     []string
	}{
		{name: "everything", prefixes: nil, want: []string{">"}},
		{name: "dotted prefix", prefixes: []string{"cmd."}, want: []string{"cmd.>"}},
		{name: "partial token", prefixes: []string{"motion.cmd"}, want: []string{"motion.>"}},
		{name: "no dot", prefixes: []string{"cmd.", "devices"}, want: []string{">"}},
		{name: "overlap collapses", prefixes: []string{"cmd.motion.", "cmd.", "cmd.move"}, want: []string{"cmd.>"}},
		{name: "disjoint", prefixes: []string{"cmd.", "motion.cmd"}, want: []string{"cmd.>", "motion.>"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SubjectsForPrefixes(tt.prefixes)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("SubjectsForPrefixes(%v) = %v, want %v", tt.prefixes, got, tt.want)
			}
		})
	}
}

func TestNATSBusCloseEndsSubscriptions(t *testing.T) {
	// Nothing listens on port 1; the connection keeps retrying in the background.
	b, err := DialNATS("nats://127.0.0.1:1", 4, discardLogger())
	if err != nil {
		t.Fatalf("DialNATS error: %v", err)
	}

	sub, err := b.Subscribe(context.Background(), "cmd.")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	if err := b.Publish("", map[string]any{"vx": 1}); CategoryFromError(err) != ErrorConfiguration {
		t.Fatalf("Publish with empty topic = %v, want configuration error", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still open after Close")
	}

	done := make(chan bool, 1)
	go func() {
		_, ok := sub.Receive(context.Background(), 0)
		done <- ok
	}()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("Receive returned a message after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive blocked after Close")
	}

	if _, err := b.Subscribe(context.Background(), "cmd."); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close = %v, want ErrClosed", err)
	}
	if err := b.Publish("cmd.move", map[string]any{"vx": 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNATSBusContextEndsSubscription(t *testing.T) {
	b, err := DialNATS("nats://127.0.0.1:1", 4, discardLogger())
	if err != nil {
		t.Fatalf("DialNATS error: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "motion.")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still open after context cancel")
	}
}
