package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourjinKR/myFitSync-sub000/internal/model"
	"github.com/yourjinKR/myFitSync-sub000/internal/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <receiver-id> <text...>",
	Short: "Publish one message and exit",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runSend,
}

var (
	flagKind   string
	flagParent int64
)

func init() {
	flags := sendCmd.Flags()
	flags.StringVar(&flagKind, "kind", string(model.KindText), "message type (text, image, file)")
	flags.Int64Var(&flagParent, "reply-to", 0, "id of the message being replied to")
}

func runSend(cmd *cobra.Command, args []string) error {
	roomID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid room id %q: %w", args[0], err)
	}
	receiverID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid receiver id %q: %w", args[1], err)
	}
	text := strings.Join(args[2:], " ")

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

	if err := a.waitConnected(ctx); err != nil {
		return err
	}

	var opts []protocol.SendOption
	if flagParent > 0 {
		opts = append(opts, protocol.WithParent(flagParent))
	}
	out, err := a.client.Send(roomID, receiverID, text, model.MessageKind(flagKind), opts...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.Nonce())
	return nil
}
