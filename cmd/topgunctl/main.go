// Command topgunctl is the operator CLI for a topgun cluster: it talks
// to a running topgund over its local admin socket to read status and
// drive locks and topics.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/topgunbuild/topgun/internal/adminapi"
	"github.com/topgunbuild/topgun/internal/logging"
)

const version = "0.1.0"

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool
	var sockPath string

	root := &cobra.Command{
		Use:           "topgunctl",
		Short:         "Operator CLI for a topgun cluster node",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}

	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&sockPath, "socket", "/tmp/topgund.sock", "Path to the topgund admin socket")

	client := func() *adminapi.Client {
		return adminapi.NewClient(sockPath)
	}

	root.AddCommand(statusCmd(client))
	root.AddCommand(lockCmd(client))
	root.AddCommand(topicCmd(client))

	return root
}
