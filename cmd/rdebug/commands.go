package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctagard/rdebug/internal/config"
	"github.com/ctagard/rdebug/internal/dap"
	"github.com/ctagard/rdebug/internal/launcher"
	"github.com/ctagard/rdebug/internal/mcp"
	"github.com/ctagard/rdebug/internal/sessions"
	"github.com/ctagard/rdebug/internal/version"
)

type rootOptions struct {
	configPath string
	mode       string
	logLevel   string
	stderr     io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{stderr: os.Stderr}

	root := &cobra.Command{
		Use:   "rdebug",
		Short: "Debug R scripts running in a remote REPL host",
		Long: `rdebug controls R runtime hosts over a websocket REPL protocol and exposes
their debug sessions to MCP clients (rdebug mcp) and DAP editors (rdebug dap).

Configuration is read from a JSON or TOML file:

    mode = "full"            # or "readonly": no stepping or breakpoint changes
    allowSpawn = true
    allowConnect = true
    allowEvaluate = true
    maxSessions = 10
    sessionTimeout = "30m"

    [runtime]
    hostPath = "rdebug-host"
    url = "ws://127.0.0.1:8765"

    [dap]
    listen = "127.0.0.1:4711"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a JSON or TOML configuration file")
	root.PersistentFlags().StringVar(&opts.mode, "mode", "", "capability mode override: 'readonly' or 'full'")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(newMCPCmd(opts), newDAPCmd(opts), newVersionCmd())
	return root
}

// load reads the configuration and applies command line overrides
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.mode != "" {
		cfg.Mode = config.CapabilityMode(o.mode)
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	// stdout carries protocol traffic
	logger := slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

// newOpener wires the session manager, host launcher and opener
func newOpener(cfg *config.Config, logger *slog.Logger) (*sessions.Opener, error) {
	helper, err := cfg.HelperCode()
	if err != nil {
		return nil, err
	}

	opener := &sessions.Opener{
		Manager:     sessions.NewManager(cfg.MaxSessions, cfg.SessionTimeout.Std(), logger),
		DialTimeout: cfg.Runtime.DialTimeout.Std(),
		HelperCode:  helper,
		Logger:      logger,
	}
	if cfg.CanSpawn() {
		opener.Launcher = &launcher.Launcher{
			HostPath: cfg.Runtime.HostPath,
			HostArgs: cfg.Runtime.HostArgs,
			Logger:   logger,
		}
	}
	return opener, nil
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve debug tools to an MCP client over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			opener, err := newOpener(cfg, logger)
			if err != nil {
				return err
			}

			server := mcp.NewServer(cfg, opener, logger)
			defer server.Close()

			go func() {
				<-cmd.Context().Done()
				logger.Info("shutting down")
				server.Close()
				os.Exit(0)
			}()

			logger.Info("rdebug MCP server starting", "version", version.Version, "mode", cfg.Mode)
			return server.ServeStdio()
		},
	}
}

func newDAPCmd(opts *rootOptions) *cobra.Command {
	var (
		listen string
		stdio  bool
	)

	cmd := &cobra.Command{
		Use:   "dap",
		Short: "Serve the Debug Adapter Protocol over TCP or stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			opener, err := newOpener(cfg, logger)
			if err != nil {
				return err
			}
			defer opener.Manager.Close()

			dapOpts := dap.Options{
				AllowSpawn:    cfg.CanSpawn(),
				AllowConnect:  cfg.CanConnect(),
				AllowEvaluate: cfg.CanEvaluate(),
				DefaultURL:    cfg.Runtime.URL,
			}

			if stdio {
				transport := dap.NewStdioTransport(os.Stdin, os.Stdout)
				return dap.NewServer(transport, opener, dapOpts, logger).Serve(cmd.Context())
			}

			if listen == "" {
				listen = cfg.DAP.Listen
			}
			return serveDAP(cmd.Context(), listen, opener, dapOpts, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "TCP address to listen on (default: from configuration)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve a single client on stdin/stdout")
	return cmd
}

// serveDAP accepts editor connections until ctx is done, one server each
func serveDAP(ctx context.Context, listen string, opener *sessions.Opener, opts dap.Options, logger *slog.Logger) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	logger.Info("DAP server listening", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			connLogger := logger.With("client", conn.RemoteAddr().String())
			connLogger.Info("DAP client connected")
			if err := dap.NewServer(dap.NewTransport(conn), opener, opts, connLogger).Serve(ctx); err != nil {
				connLogger.Warn("DAP client failed", "error", err)
			}
			connLogger.Info("DAP client disconnected")
		}()
	}
}

func newVersionCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rdebug version %s\n", version.Version)
			if !check {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			info := version.NewChecker().CheckForUpdates(ctx)
			switch {
			case info.Error != "":
				fmt.Fprintf(out, "update check failed: %s\n", info.Error)
			case info.UpdateAvailable:
				fmt.Fprintln(out, info.UpdateMessage())
			default:
				fmt.Fprintln(out, "rdebug is up to date")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "check for a newer release")
	return cmd
}
