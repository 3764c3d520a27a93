package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/aquilax/truncate"
	"github.com/spf13/cobra"
	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/config"
)

func newRoomsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List chat rooms with unread counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRooms(cmd, configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to marketchat config file")
	cmd.AddCommand(newRoomsDeleteCmd(&configPath))
	return cmd
}

func runRooms(cmd *cobra.Command, configPath string) error {
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	rooms, err := a.api.Rooms(cmd.Context())
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(rooms) == 0 {
		fmt.Fprintln(out, "No chat rooms.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tWITH\tLISTING\tUNREAD\tLAST ACTIVITY\tLAST MESSAGE")
	for _, r := range rooms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID,
			r.PeerNickname,
			truncate.Truncate(r.ListingTitle, 24, "...", truncate.PositionEnd),
			r.UnreadCount,
			activity(r),
			chat.Preview(r.LastMessage, 40),
		)
	}
	return w.Flush()
}

func activity(r chat.Room) string {
	if r.LastActivity.IsZero() {
		return "-"
	}
	return r.LastActivity.In(chat.Location).Format("2006-01-02 15:04")
}

func newRoomsDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <room-id>",
		Short: "Leave a chat room and forget its read state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			id := chat.ID(args[0])
			if err := a.api.DeleteRoom(cmd.Context(), id); err != nil {
				return fmt.Errorf("delete room %s: %w", id, err)
			}
			if err := a.ledger.Forget(string(id)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted room %s\n", id)
			return nil
		},
	}
}
