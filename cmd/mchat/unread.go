package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/marketchat/internal/config"
	"github.com/zulandar/marketchat/internal/notify"
	"github.com/zulandar/marketchat/internal/roomlist"
	"github.com/zulandar/marketchat/internal/unread"
)

func newUnreadCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show the total unread message count",
		Long: `Prints the number of unread messages across all rooms.

With --watch the count is polled and printed whenever it changes; configured
notifiers are called when it grows. SIGUSR1 forces an immediate refresh.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnread(cmd, configPath, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to marketchat config file")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep polling and print changes")
	return cmd
}

func runUnread(cmd *cobra.Command, configPath string, watch bool) error {
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	out := cmd.OutOrStdout()

	var notifier notify.Notifier
	if watch {
		notifier, err = notify.FromConfig(a.cfg.Notify)
		if err != nil {
			return err
		}
	}

	agg, err := unread.New(unread.AggregatorOpts{
		Rooms:    a.api,
		List:     roomlist.New(),
		Store:    a.kv,
		Notifier: notifier,
		Interval: a.cfg.Unread.PollInterval(),
		Stagger:  a.cfg.Unread.Stagger(),
	})
	if err != nil {
		return err
	}
	defer agg.Close()

	if !watch {
		if err := agg.Refresh(cmd.Context()); err != nil {
			fmt.Fprintf(out, "warning: %v (showing last known total)\n", err)
		}
		fmt.Fprintln(out, agg.Total())
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGUSR1 {
					agg.Focus()
					continue
				}
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(out, "Unread: %d\n", agg.Total())
	agg.OnChange(func(total int) {
		fmt.Fprintf(out, "Unread: %d\n", total)
	})
	agg.Run(ctx)
	return nil
}
