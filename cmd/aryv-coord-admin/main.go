package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/MrJones267/aryv-coord/audit"
	"github.com/MrJones267/aryv-coord/config"
	"github.com/MrJones267/aryv-coord/escrow"
	"github.com/MrJones267/aryv-coord/globals"
	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/rooms"
	"github.com/MrJones267/aryv-coord/types"
)

// A very simple CLI tool for operating on escrows and notifications.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

// nopBroadcaster drops room events; the admin tool has no live connections
// to fan out to.
type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(types.RoomID, rooms.Event) {}

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	ctx := context.Background()
	store, err := persistence.NewStore(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	machine := escrow.NewMachine(store, escrow.NopProcessor{}, nopBroadcaster{}, audit.NopSink{}, cfg.EscrowConfig.GracePeriod, globals.AppLogger)

	var cmdEscrow = &cobra.Command{
		Use:   "escrow",
		Short: "Inspect and resolve escrows",
	}
	var cmdEscrowList = &cobra.Command{
		Use:   "list [status]",
		Short: "List escrows, optionally filtered by status",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			status := types.EscrowStatus("")
			if len(args) > 0 {
				status = types.EscrowStatus(args[0])
			}
			escrows, err := store.ListEscrows(ctx, status, 100)
			if err != nil {
				globals.AppLogger.Error("could not list escrows", "error", err)
				return
			}
			out, err := json.Marshal(escrows)
			if err != nil {
				globals.AppLogger.Error("could not marshal escrows", "error", err)
				return
			}
			fmt.Println(string(out))
		},
	}
	var cmdEscrowShow = &cobra.Command{
		Use:   "show [escrow id]",
		Short: "Show one escrow",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			esc, err := store.GetEscrow(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get escrow", "error", err)
				return
			}
			out, err := json.Marshal(esc)
			if err != nil {
				globals.AppLogger.Error("could not marshal escrow", "error", err)
				return
			}
			fmt.Println(string(out))
		},
	}
	var cmdEscrowRelease = &cobra.Command{
		Use:   "release [escrow id]",
		Short: "Resolve a disputed escrow in favor of the payee",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			esc, err := machine.ResolveDispute(ctx, args[0], types.EscrowStatusReleased)
			if err != nil {
				globals.AppLogger.Error("could not resolve escrow", "error", err)
				return
			}
			fmt.Printf("escrow %s is now %s\n", esc.ID, esc.Status)
		},
	}
	var cmdEscrowRefund = &cobra.Command{
		Use:   "refund [escrow id]",
		Short: "Resolve a disputed escrow in favor of the payer",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			esc, err := machine.ResolveDispute(ctx, args[0], types.EscrowStatusRefunded)
			if err != nil {
				globals.AppLogger.Error("could not resolve escrow", "error", err)
				return
			}
			fmt.Printf("escrow %s is now %s\n", esc.ID, esc.Status)
		},
	}
	var cmdEscrowSweep = &cobra.Command{
		Use:   "sweep",
		Short: "Auto-release funded escrows past the grace period once",
		Args:  cobra.MaximumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			machine.Sweep(ctx)
		},
	}

	var cmdNotification = &cobra.Command{
		Use:   "notification",
		Short: "Inspect notifications",
	}
	var cmdNotificationList = &cobra.Command{
		Use:   "list [user id] [limit]",
		Short: "List a user's notifications, newest first",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			limit := 20
			if len(args) > 1 {
				if n, err := strconv.Atoi(args[1]); err == nil {
					limit = n
				}
			}
			notifications, err := store.ListNotifications(ctx, args[0], limit)
			if err != nil {
				globals.AppLogger.Error("could not list notifications", "error", err)
				return
			}
			out, err := json.Marshal(notifications)
			if err != nil {
				globals.AppLogger.Error("could not marshal notifications", "error", err)
				return
			}
			fmt.Println(string(out))
		},
	}

	var rootCmd = &cobra.Command{Use: "aryv-coord-admin"}
	cmdEscrow.AddCommand(cmdEscrowList, cmdEscrowShow, cmdEscrowRelease, cmdEscrowRefund, cmdEscrowSweep)
	cmdNotification.AddCommand(cmdNotificationList)
	rootCmd.AddCommand(cmdEscrow, cmdNotification)
	if err := rootCmd.Execute(); err != nil {
		globals.AppLogger.Error("command failed", "error", err)
	}
}
