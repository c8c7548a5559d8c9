package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/pkg/models"
)

func TestReadLoopEmitsEvents(t *testing.T) {
	in := strings.NewReader("hello world\n/status\n")
	var out bytes.Buffer
	a := NewWithStreams(in, &out)

	events := make(chan models.MessageEvent, 4)
	a.OnMessage(func(ctx context.Context, event models.MessageEvent) {
		events <- event
	})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Disconnect()

	first := <-events
	if first.Text != "hello world" || first.MessageType != models.MessageTypeText {
		t.Errorf("first = %+v", first)
	}
	if first.Source.ConversationKey() != "cli:cli" {
		t.Errorf("key = %q", first.Source.ConversationKey())
	}

	select {
	case second := <-events:
		if second.Text != "/status" || second.MessageType != models.MessageTypeCommand {
			t.Errorf("second = %+v", second)
		}
	case <-time.After(time.Second):
		t.Fatal("command event never arrived")
	}
}

func TestSendWritesToOut(t *testing.T) {
	var out bytes.Buffer
	a := NewWithStreams(strings.NewReader(""), &out)
	res := a.Send(context.Background(), "cli", "the answer", nil)
	if !res.Success || !strings.Contains(out.String(), "the answer") {
		t.Errorf("res=%+v out=%q", res, out.String())
	}
}
