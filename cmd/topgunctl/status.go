package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/topgunbuild/topgun/internal/adminapi"
	"github.com/topgunbuild/topgun/cmd/topgunctl/ui"
)

func statusCmd(client func() *adminapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this node's cluster membership and partition assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Status()
			if err != nil {
				return err
			}

			fmt.Print(ui.KeyValues("",
				ui.KV("node", ui.Accent(res.NodeID)),
				ui.KV("members", strconv.Itoa(len(res.Members))),
				ui.KV("partitions", strconv.Itoa(res.PartitionCount)),
				ui.KV("backups", strconv.Itoa(res.BackupCount)),
				ui.KV("partition map version", strconv.FormatUint(res.PartitionVersion, 10)),
			))

			rows := make([][]string, 0, len(res.Members))
			for _, m := range res.Members {
				rows = append(rows, []string{m})
			}
			fmt.Println(ui.Table([]string{"MEMBER"}, rows))
			return nil
		},
	}
}
