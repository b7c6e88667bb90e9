// Command topgund runs one cluster member: ClusterTransport, the
// failure detector, partition assignment and failover, replication,
// migration, Merkle repair, distributed locks, and the topic bus, all
// fronted by a gRPC client router.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/siderolabs/grpc-proxy/proxy"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"

	"github.com/topgunbuild/topgun/internal/adminapi"
	"github.com/topgunbuild/topgun/internal/config"
	"github.com/topgunbuild/topgun/internal/logging"
	"github.com/topgunbuild/topgun/internal/server"
)

const version = "0.1.0"

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var grpcPort int
	var adminSocket string
	var debug bool

	cmd := &cobra.Command{
		Use:     "topgund",
		Short:   "topgun cluster daemon",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath, grpcPort, adminSocket)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to cluster config YAML (defaults to $TOPGUN_CONFIG or ~/.config/topgun/config.yaml)")
	cmd.Flags().IntVar(&grpcPort, "grpc-port", 7950, "Port the client-facing gRPC router listens on")
	cmd.Flags().StringVar(&adminSocket, "admin-socket", defaultAdminSocket(), "Unix socket topgunctl connects to")
	return cmd
}

func defaultAdminSocket() string {
	return "/tmp/topgund.sock"
}

func run(ctx context.Context, configPath string, grpcPort int, adminSocket string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	n, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}
	defer n.Stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnknownServiceHandler(proxy.TransparentHandler(n.Router.Director)),
		grpc.ForceServerCodecV2(proxy.Codec()),
	)

	admin := adminapi.New(n)
	errCh := make(chan error, 2)
	go func() { errCh <- admin.ListenAndServe(ctx, adminSocket) }()
	go func() { errCh <- grpcSrv.Serve(lis) }()

	slog.Info("topgund started",
		"node", cfg.Node.ID,
		"cluster_addr", fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port),
		"grpc_port", grpcPort,
		"admin_socket", adminSocket)

	select {
	case <-ctx.Done():
		grpcSrv.GracefulStop()
		_ = admin.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
