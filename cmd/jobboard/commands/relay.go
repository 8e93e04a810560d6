package commands

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobboard/am"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/logger"
	"github.com/teranos/jobboard/relay"
)

// RelayCmd runs the chat relay server
var RelayCmd = &cobra.Command{
	Use:     "relay",
	Aliases: []string{"serve"},
	Short:   "Run the chat relay server",
	Long: `Run the WebSocket chat relay.

Clients connect to /ws?userId=<address>&jobId=<id> and are placed in room
job-<id>. /health reports connection and room counts. allowed_origins is
reloaded when the project am.toml changes.`,
	RunE: runRelay,
}

var relayPort int

func init() {
	RelayCmd.Flags().IntVar(&relayPort, "port", 0, "Port to listen on (overrides relay.port)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		// Connections and rooms are logged at info
		if err := logger.InitializeWithLevel(false, logger.VerbosityToLevel(logger.VerbosityInfo)); err != nil {
			return err
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	port := cfg.Relay.Port
	if relayPort > 0 {
		port = relayPort
	}

	srv := relay.New(relay.Config{
		AllowedOrigins:    cfg.Relay.AllowedOrigins,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		MessagesPerSecond: cfg.Relay.MessagesPerSecond,
		Burst:             cfg.Relay.Burst,
	}, logger.ComponentLogger("relay"))

	if path := am.ProjectConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			logger.Warnw("Config hot reload disabled", "path", path, "error", err)
		} else {
			watcher.OnReload(func(c *am.Config) error {
				srv.SetAllowedOrigins(c.Relay.AllowedOrigins)
				logger.Infow("Allowed origins reloaded", "origins", c.Relay.AllowedOrigins)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start(port)
	}()
	pterm.Success.Printf("Chat relay listening on :%d\n", port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Infow("Shutting down relay", "signal", sig.String())
		return srv.Stop()
	case err := <-serveErr:
		srv.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
