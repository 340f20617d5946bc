package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourjinKR/myFitSync-sub000/internal/anchor"
	"github.com/yourjinKR/myFitSync-sub000/internal/model"
	"github.com/yourjinKR/myFitSync-sub000/internal/store"
)

var tailCmd = &cobra.Command{
	Use:   "tail <room-id>",
	Short: "Print a room's history and follow live events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

var flagMarkRead bool

func init() {
	tailCmd.Flags().BoolVar(&flagMarkRead, "mark-read", true, "confirm unread messages once history is printed")
}

func runTail(cmd *cobra.Command, args []string) error {
	roomID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid room id %q: %w", args[0], err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.startHealthServer(ctx)
	if err := a.waitConnected(ctx); err != nil {
		return err
	}

	room, err := a.client.OpenRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer room.Close()

	// 先注册事件再取快照，两者之间到达的消息不会丢失
	printer := newTailPrinter(cmd.OutOrStdout())
	cancel := room.Events(printer.onEvent)
	defer cancel()

	decision, _ := room.Decision()
	printer.history(room.Messages(), decision)

	if flagMarkRead {
		if _, err := room.Position(ctx, terminalAnchorer{}); err != nil {
			logger.Warn("Positioning failed", "roomId", roomID, "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("Shutting down...")
	return nil
}

// tailPrinter 先输出历史快照，再输出实时事件
// 快照输出前收到的事件先缓存，已在快照中的消息不重复输出
type tailPrinter struct {
	out io.Writer

	mu       sync.Mutex
	snapshot map[int64]bool
	ready    bool
	pending  []store.Event
}

func newTailPrinter(out io.Writer) *tailPrinter {
	return &tailPrinter{out: out, snapshot: make(map[int64]bool)}
}

func (p *tailPrinter) onEvent(e store.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		p.pending = append(p.pending, e)
		return
	}
	p.printEvent(e)
}

// history 输出快照并补发缓存的事件
func (p *tailPrinter) history(messages []model.Message, d anchor.Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range messages {
		if !d.AtBottom && m.ID == d.TargetID {
			fmt.Fprintf(p.out, "-------- %d unread --------\n", len(d.Unread))
		}
		printMessage(p.out, m)
		p.snapshot[m.ID] = true
	}
	for _, e := range p.pending {
		p.printEvent(e)
	}
	p.pending = nil
	p.ready = true
}

func (p *tailPrinter) printEvent(e store.Event) {
	switch e.Kind {
	case store.EventAppended:
		if !p.snapshot[e.Message.ID] {
			printMessage(p.out, e.Message)
		}
	case store.EventRead:
		fmt.Fprintf(p.out, "  (read #%d)\n", e.Message.ID)
	case store.EventRemoved:
		fmt.Fprintf(p.out, "  (deleted #%d)\n", e.Message.ID)
	}
}

func printMessage(w io.Writer, m model.Message) {
	state := " "
	if m.IsRead() {
		state = "✓"
	}
	fmt.Fprintf(w, "%s %s #%d <%d> %s\n", m.SentAt.Local().Format(time.DateTime), state, m.ID, m.SenderID, m.Body)
}

// terminalAnchorer 终端按顺序输出，目标在打印时已可见
type terminalAnchorer struct{}

var _ anchor.ViewportAnchorer = terminalAnchorer{}

func (terminalAnchorer) Compute(context.Context, int64) error { return nil }
func (terminalAnchorer) CorrectAfterSettle(context.Context, int64) error { return nil }
func (terminalAnchorer) Validate(context.Context, int64) error { return nil }
func (terminalAnchorer) ScrollToBottom() {}
