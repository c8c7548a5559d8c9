// Package cli is the local terminal surface: it synthesizes the same
// MessageEvent shape the network adapters produce from stdin lines and
// prints replies to stdout.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Adapter reads user input from stdin and writes replies to stdout.
type Adapter struct {
	in      io.Reader
	out     io.Writer
	handler channels.Handler

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a CLI adapter over the process's stdio.
func New() *Adapter {
	return &Adapter{in: os.Stdin, out: os.Stdout}
}

// NewWithStreams creates a CLI adapter over custom streams (tests).
func NewWithStreams(in io.Reader, out io.Writer) *Adapter {
	return &Adapter{in: in, out: out}
}

func (a *Adapter) Platform() models.Platform { return models.PlatformCLI }

func (a *Adapter) OnMessage(handler channels.Handler) { a.handler = handler }

// Connect starts the stdin read loop.
func (a *Adapter) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.readLoop(runCtx)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if a.handler == nil {
			continue
		}
		msgType := models.MessageTypeText
		if strings.HasPrefix(text, "/") {
			msgType = models.MessageTypeCommand
		}
		a.handler(ctx, models.MessageEvent{
			Text:        text,
			MessageType: msgType,
			Source:      models.CLIOrigin(),
			Timestamp:   time.Now(),
		})
	}
}

// Disconnect stops the read loop.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// Send prints the reply. The terminal has no length limit, so no
// chunking is applied.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *channels.SendOptions) models.SendResult {
	_ = ctx
	_ = chatID
	_ = opts
	if _, err := fmt.Fprintln(a.out, content); err != nil {
		return models.SendResult{Error: err.Error()}
	}
	return models.SendResult{Success: true}
}

// SendTyping is a no-op on the terminal.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) {}
