package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/topgunbuild/topgun/internal/adminapi"
	"github.com/topgunbuild/topgun/cmd/topgunctl/ui"
)

func topicCmd(client func() *adminapi.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Publish to a pub/sub topic",
	}
	cmd.AddCommand(topicPublishCmd(client))
	return cmd
}

func topicPublishCmd(client func() *adminapi.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <topic> <json-data>",
		Short: "Publish a JSON message to a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := json.RawMessage(args[1])
			if !json.Valid(data) {
				return fmt.Errorf("payload is not valid JSON: %s", args[1])
			}
			if err := client().TopicPublish(adminapi.TopicPublishArgs{Topic: args[0], Data: data}); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("published to %q", args[0]))
			return nil
		},
	}
	return cmd
}
