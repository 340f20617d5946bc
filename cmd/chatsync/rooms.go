package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yourjinKR/myFitSync-sub000/internal/history"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List rooms with unread counts",
	Args:  cobra.NoArgs,
	RunE:  runRooms,
}

func runRooms(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	api := history.NewClient(cfg.API, history.StaticToken(cfg.API.Token), logger)

	rooms, err := api.Rooms(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tTRAINER\tUSER\tUNREAD\tSTATUS")
	for _, r := range rooms {
		unread, err := api.UnreadCount(ctx, r.ID)
		if err != nil {
			logger.Warn("Failed to get unread count", "roomId", r.ID, "error", err)
			unread = -1
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", r.ID, r.TrainerName, r.UserName, unread, r.Status)
	}
	return w.Flush()
}
