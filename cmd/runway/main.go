package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cuemby/runway/pkg/client"
	"github.com/cuemby/runway/pkg/config"
	"github.com/cuemby/runway/pkg/conn"
	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/events"
	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/manager"
	"github.com/cuemby/runway/pkg/provider"
	"github.com/cuemby/runway/pkg/registry"
	"github.com/cuemby/runway/pkg/security"
	"github.com/cuemby/runway/pkg/secrets"
	"github.com/cuemby/runway/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// session is resolved once per invocation in PersistentPreRunE
var session *config.Session

// closeLogs releases whatever log.Init opened for this invocation
var closeLogs = func() error { return nil }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if cerr := closeLogs(); cerr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log output: %v\n", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", errdefs.Category(err), err)
		os.Exit(errdefs.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "runway",
	Short: "Runway - provision clusters and dispatch work to them",
	Long: `Runway provisions compute clusters on AWS, GCP, Kubernetes or
machines you already own, keeps track of their lifecycle, and calls named
resources on them through a resident dispatch server.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadSession,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Runway version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("home", "", "Runway data directory (default $RUNWAY_HOME or ~/.runway)")
}

func loadSession(cmd *cobra.Command, args []string) error {
	home, _ := cmd.Flags().GetString("home")
	if home == "" {
		var err error
		if home, err = config.HomeDir(); err != nil {
			return err
		}
	}

	sess, err := config.Load(afero.NewOsFs(), home)
	if err != nil {
		return err
	}
	session = sess

	level := sess.LogLevel
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}
	jsonOutput, _ := cmd.Flags().GetBool("log-json")
	closer, err := log.Init(log.Config{
		Level:      log.ParseLevel(level),
		JSONOutput: jsonOutput,
		Output:     os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	closeLogs = closer
	return nil
}

// app wires the local control plane for commands that touch clusters
type app struct {
	store    *storage.BoltStore
	registry *registry.Registry
	pool     *conn.Pool
	broker   *events.Broker
	manager  *manager.Manager
	client   *client.Client
}

func openApp() (*app, error) {
	store, err := storage.NewBoltStore(session.Home)
	if err != nil {
		return nil, err
	}

	reg := registry.New(store)
	pool := conn.NewPool(conn.Options{Token: session.Token})
	broker := events.NewBroker()
	broker.Start()

	prober := manager.NewConnProber(pool, 5*time.Second)
	mgr := manager.NewManager(reg, provider.Defaults(), prober,
		manager.WithEvents(broker),
		manager.WithInvalidator(pool),
		manager.WithActivity(prober),
	)

	return &app{
		store:    store,
		registry: reg,
		pool:     pool,
		broker:   broker,
		manager:  mgr,
		client:   client.New(pool, client.WithActivity(mgr)),
	}, nil
}

func (a *app) Close() {
	a.manager.Close()
	a.broker.Stop()
	a.pool.Close()
	if err := a.store.Close(); err != nil {
		log.Errorf("failed to close store", err)
	}
}

// secretStore opens the encrypted local secret store
func (a *app) secretStore() (*secrets.Store, error) {
	var sm *security.SecretsManager
	if pass := os.Getenv(string(config.EnvSecretPassphrase)); pass != "" {
		var err error
		if sm, err = security.NewSecretsManagerFromPassword(pass); err != nil {
			return nil, err
		}
		return secrets.NewStore(a.store, sm), nil
	}

	key, err := security.LoadOrCreateKey(session.FS(), session.SecretKeyFile())
	if err != nil {
		return nil, err
	}
	if sm, err = security.NewSecretsManager(key); err != nil {
		return nil, err
	}
	return secrets.NewStore(a.store, sm), nil
}

// clusterName resolves the cluster argument, falling back to the session's
// default cluster
func clusterName(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if session.DefaultCluster != "" {
		return session.DefaultCluster, nil
	}
	return "", errors.New("no cluster given and no default_cluster configured")
}
