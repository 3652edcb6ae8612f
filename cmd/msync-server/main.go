package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/liliang-cn/msync/pkg/logger"
	"github.com/liliang-cn/msync/pkg/server"
)

var (
	Version = "dev" // Set at build time

	port       int
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "msync-server",
		Short:   "msync gRPC server",
		Version: Version,
		RunE:    runServer,
	}

	rootCmd.Flags().IntVarP(&port, "port", "p", 50051, "gRPC server port")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	// Set version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of msync-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("msync-server version %s\n", Version)
		},
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	var opts []server.Option
	if logLevel != "" {
		opts = append(opts, server.WithLogger(logger.NewWithLevel(logLevel)))
	}

	srv, err := server.NewServer(configPath, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	server.RegisterDistributorServer(grpcServer, srv)
	reflection.Register(grpcServer)

	go func() {
		log.Printf("msync-server listening on :%d\n", port)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("failed to serve: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Println("Shutting down...")

	// Running syncs end when their streams close.
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		log.Println("Server stopped")
	case <-time.After(10 * time.Second):
		log.Println("Timeout, forcing stop")
		grpcServer.Stop()
	}

	return nil
}
