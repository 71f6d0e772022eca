package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cuemby/runway/pkg/api"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/security"
	"github.com/cuemby/runway/pkg/types"
)

const shutdownGrace = 30 * time.Second

// Server commands
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the dispatch server on a cluster node",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dispatch server",
	Long: `Start the dispatch server that holds resources and executes calls on
this node. By default a server already running from the same data directory is
stopped first, and the new one detaches into the background writing to the
server log.

Examples:
  # Detached server on the default port
  runway server start

  # Foreground server requiring den-auth tokens over TLS
  runway server start --no-nohup --den-auth --tls`,
	Args: cobra.NoArgs,
	RunE: runServerStart,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverStartCmd)

	f := serverStartCmd.Flags()
	f.String("host", "0.0.0.0", "Address to listen on")
	f.Int("port", types.DefaultServerPort, "Port to listen on")
	f.Bool("no-restart-ray", false, "Leave an already running server alone instead of restarting it")
	f.Bool("no-screen", false, "Do not capture the detached server's raw output in the log file")
	f.Bool("no-nohup", false, "Run in the foreground")
	f.Bool("den-auth", false, "Require den-auth bearer tokens")
	f.String("token-secret-file", "", "Token signing key file (default <home>/token.key)")
	f.Int("workers", 0, "Concurrent calls (default: number of CPUs)")
	f.Int("queue-size", 0, "Calls queued beyond the workers (default 1024)")
	f.Int("health-port", 0, "Serve gRPC health checks on this port")
	f.String("log-file", "", "Server log file (default <home>/server.log)")
	f.Bool("tls", false, "Serve HTTPS with a self-signed certificate")
}

type serverOptions struct {
	cfg        api.Config
	restart    bool
	foreground bool
	capture    bool
	keyFile    string
	useTLS     bool
	level      log.Level
}

func serverOptionsFromFlags(cmd *cobra.Command) (*serverOptions, error) {
	f := cmd.Flags()
	noRestart, _ := f.GetBool("no-restart-ray")
	noScreen, _ := f.GetBool("no-screen")
	noNohup, _ := f.GetBool("no-nohup")
	keyFile, _ := f.GetString("token-secret-file")
	useTLS, _ := f.GetBool("tls")
	level := session.LogLevel
	if v, _ := f.GetString("log-level"); v != "" {
		level = v
	}

	cfg := api.DefaultConfig()
	cfg.Host, _ = f.GetString("host")
	cfg.Port, _ = f.GetInt("port")
	cfg.DenAuth, _ = f.GetBool("den-auth")
	cfg.HealthPort, _ = f.GetInt("health-port")
	cfg.LogFile, _ = f.GetString("log-file")
	if n, _ := f.GetInt("workers"); n > 0 {
		cfg.Workers = n
	}
	if n, _ := f.GetInt("queue-size"); n > 0 {
		cfg.QueueSize = n
	}
	if cfg.LogFile == "" {
		cfg.LogFile = session.LogFile()
	}
	if keyFile == "" {
		keyFile = session.TokenKeyFile()
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg.FS = afero.NewOsFs()
	cfg.Home = home
	cfg.Version = Version

	return &serverOptions{
		cfg:        cfg,
		restart:    !noRestart,
		foreground: noNohup,
		capture:    !noScreen,
		keyFile:    keyFile,
		useTLS:     useTLS,
		level:      log.ParseLevel(level),
	}, nil
}

func runServerStart(cmd *cobra.Command, args []string) error {
	opts, err := serverOptionsFromFlags(cmd)
	if err != nil {
		return err
	}
	pidFile := session.PIDFile()
	out := cmd.OutOrStdout()

	if !isDaemonChild() {
		running, err := replaceRunning(pidFile, opts.restart)
		if err != nil {
			return err
		}
		if running > 0 {
			fmt.Fprintf(out, "Dispatch server already running (pid %d)\n", running)
			return nil
		}
	}

	if opts.foreground {
		lock, err := createPIDFile(pidFile)
		if err != nil {
			return err
		}
		defer lock()
		return serve(cmd.Context(), opts, os.Stderr)
	}

	child, release, err := reborn(pidFile, opts.cfg.LogFile, opts.capture)
	if err != nil {
		return err
	}
	if child != nil {
		fmt.Fprintf(out, "✓ Dispatch server started (pid %d)\n", child.Pid)
		fmt.Fprintf(out, "  Listening: %s\n", serverURL(opts))
		fmt.Fprintf(out, "  Log file:  %s\n", opts.cfg.LogFile)
		return nil
	}
	defer release()
	return serve(cmd.Context(), opts, nil)
}

// replaceRunning stops the server recorded in pidFile when restart is set.
// Otherwise it returns the PID of a live server, or 0 when none is running.
func replaceRunning(pidFile string, restart bool) (int, error) {
	pid, alive := runningServer(pidFile)
	if !alive {
		return 0, nil
	}
	if !restart {
		return pid, nil
	}

	logger := log.WithComponent("server")
	logger.Info().Int("pid", pid).Msg("Stopping running dispatch server")
	if err := stopServer(pid, shutdownGrace+5*time.Second); err != nil {
		return 0, fmt.Errorf("failed to stop dispatch server (pid %d): %w", pid, err)
	}
	return 0, nil
}

// serve runs the dispatch server until ctx is cancelled. Log entries go to
// the log file, and to console when it is non-nil.
func serve(ctx context.Context, opts *serverOptions, console io.Writer) error {
	output, jsonOutput := console, false
	if console == nil {
		output, jsonOutput = io.Discard, true
	}
	closeLog, err := log.Init(log.Config{
		Level:      opts.level,
		JSONOutput: jsonOutput,
		Output:     output,
		File:       opts.cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	if opts.cfg.DenAuth {
		key, err := security.LoadOrCreateKey(session.FS(), opts.keyFile)
		if err != nil {
			return err
		}
		if opts.cfg.Tokens, err = security.NewTokenManager(key); err != nil {
			return err
		}
	}
	if opts.useTLS {
		cert, err := security.LoadOrCreateServerCert(session.CertDir(), certHosts(opts.cfg.Host))
		if err != nil {
			return err
		}
		opts.cfg.TLS = cert
		logger := log.WithComponent("server")
		logger.Info().
			Str("fingerprint", security.Fingerprint(cert.Leaf)).
			Time("expires", cert.Leaf.NotAfter).
			Msg("Serving TLS with self-signed certificate")
	}

	srv, err := api.NewServer(opts.cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger := log.WithComponent("server")
	logger.Info().Msg("Shutting down dispatch server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func certHosts(host string) []string {
	hosts := []string{"localhost", "127.0.0.1"}
	if host != "" && host != "0.0.0.0" && host != "::" {
		hosts = append(hosts, host)
	}
	if name, err := os.Hostname(); err == nil {
		hosts = append(hosts, name)
	}
	return hosts
}

func serverURL(opts *serverOptions) string {
	scheme := "http"
	if opts.useTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, opts.cfg.Host, opts.cfg.Port)
}
