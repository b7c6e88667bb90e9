package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/topgunbuild/topgun/internal/adminapi"
	"github.com/topgunbuild/topgun/cmd/topgunctl/ui"
)

func lockCmd(client func() *adminapi.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire or release a distributed lock",
	}
	cmd.AddCommand(lockAcquireCmd(client))
	cmd.AddCommand(lockReleaseCmd(client))
	return cmd
}

func lockAcquireCmd(client func() *adminapi.Client) *cobra.Command {
	var clientID string
	var ttlMs int64

	cmd := &cobra.Command{
		Use:   "acquire <name>",
		Short: "Acquire a distributed lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().LockAcquire(adminapi.LockAcquireArgs{
				Name:     args[0],
				ClientID: clientID,
				TTLMs:    ttlMs,
			})
			if err != nil {
				return err
			}
			fmt.Println(ui.LockMsg(args[0], res.Granted, res.FencingToken))
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "topgunctl", "Client identity to acquire under")
	cmd.Flags().Int64Var(&ttlMs, "ttl-ms", 10000, "Lock lease duration in milliseconds")
	return cmd
}

func lockReleaseCmd(client func() *adminapi.Client) *cobra.Command {
	var clientID string
	var fencingToken uint64

	cmd := &cobra.Command{
		Use:   "release <name>",
		Short: "Release a distributed lock held under a fencing token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().LockRelease(adminapi.LockReleaseArgs{
				Name:         args[0],
				ClientID:     clientID,
				FencingToken: fencingToken,
			})
			if err != nil {
				return err
			}
			if res.Released {
				fmt.Println(ui.SuccessMsg("lock %q released", args[0]))
			} else {
				fmt.Println(ui.WarnMsg("lock %q was not held", args[0]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "topgunctl", "Client identity that holds the lock")
	cmd.Flags().Uint64Var(&fencingToken, "token", 0, "Fencing token returned by acquire")
	return cmd
}
