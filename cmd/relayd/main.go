// relayd is the session relay daemon: it accepts hook events on a local
// unix socket, tracks session lifecycle state, and serves observers over
// WebSocket and REST.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"claude-relay/internal/bridge"
	"claude-relay/internal/hookserver"
	"claude-relay/internal/permission"
	"claude-relay/internal/state"
	"claude-relay/internal/watcher"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relayd",
		Short:         "Session relay daemon for external CLI runs",
		Long:          "relayd ingests hook events from CLI sessions over a local socket,\ntracks per-session lifecycle state, brokers permission approvals, and\nstreams state to observers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	flags := cmd.Flags()
	flags.String("socket", filepath.Join(os.TempDir(), "claude-relay.sock"), "Hook socket path")
	flags.String("http-addr", ":8420", "Observer HTTP listen address")
	flags.Duration("permission-timeout", permission.DefaultTimeout, "Deadline for pending permission requests")
	flags.Int("subscriber-buffer", 64, "Per-subscriber update buffer size")
	flags.String("static-dir", "", "Directory of static UI assets to serve")

	cobra.OnInitialize(initConfig)

	viper.BindPFlag("socket_path", flags.Lookup("socket"))
	viper.BindPFlag("http_addr", flags.Lookup("http-addr"))
	viper.BindPFlag("permission_timeout", flags.Lookup("permission-timeout"))
	viper.BindPFlag("subscriber_buffer", flags.Lookup("subscriber-buffer"))
	viper.BindPFlag("static_dir", flags.Lookup("static-dir"))

	return cmd
}

func initConfig() {
	home, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "claude-relay"))
	}
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("relayd: read config: %v", err)
		}
	}
}

func run() error {
	socketPath := viper.GetString("socket_path")
	httpAddr := viper.GetString("http_addr")
	timeout := viper.GetDuration("permission_timeout")
	subscriberBuf := viper.GetInt("subscriber_buffer")
	staticDir := viper.GetString("static_dir")

	// Wire the coordinator and gateway together, then the surfaces on top.
	coord := state.New(nil, subscriberBuf)
	gateway := permission.NewGateway(coord, timeout)
	coord.SetRegistrar(gateway)

	fileWatch := watcher.New(coord)

	hooks := hookserver.New(socketPath, coord, gateway, fileWatch)
	gateway.SetNotify(hooks.DeliverDecision)

	if err := hooks.Start(); err != nil {
		return err
	}

	bridgeSrv := bridge.New(coord, gateway, staticDir)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           bridgeSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("relayd: shutting down...")
		hooks.Shutdown()
		gateway.Shutdown()
		fileWatch.Shutdown()
		coord.Shutdown()
		httpServer.Close()
	}()

	log.Printf("relayd: observers on http://localhost%s, hooks on %s", httpAddr, socketPath)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
