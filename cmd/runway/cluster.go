package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/runway/pkg/events"
	"github.com/cuemby/runway/pkg/registry"
	"github.com/cuemby/runway/pkg/types"
)

// Cluster commands
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage clusters",
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered clusters",
	Long: `List every registered cluster with its last known status and address.
The status is what was recorded locally; use 'cluster status' for a live check.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if remote, _ := cmd.Flags().GetBool("remote"); remote {
			return listRemote(cmd)
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ta := newTable(cmd.OutOrStdout(), "NAME", "PROVIDER", "STATUS", "ADDRESS", "AUTOSTOP")
		for c, err := range a.manager.List() {
			if err != nil {
				return err
			}
			autostop := "-"
			if c.AutostopMinutes > 0 {
				autostop = fmt.Sprintf("%dm", c.AutostopMinutes)
			}
			ta.AppendRow([]any{c.Name, c.Provider, colorStatus(c.Status), c.Address, autostop})
		}
		ta.Render()
		return nil
	},
}

func listRemote(cmd *cobra.Command) error {
	remote := registry.NewRemoteRegistry(session.APIURL, session.Token)
	clusters, err := remote.List(cmd.Context())
	if err != nil {
		return err
	}

	ta := newTable(cmd.OutOrStdout(), "NAME", "PROVIDER", "ADDRESS", "CONNECTION")
	for _, c := range clusters {
		ta.AppendRow([]any{c.Name, c.Provider, c.Address, c.ConnectionType})
	}
	ta.Render()
	return nil
}

var clusterUpCmd = &cobra.Command{
	Use:   "up [NAME]",
	Short: "Bring a cluster up",
	Long: `Provision the cluster if needed and wait until its dispatch server is
reachable. Safe to run while another process is bringing the same cluster up.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := clusterName(args)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sub := a.broker.Subscribe(events.ForCluster(name))
		defer a.broker.Unsubscribe(sub)
		stop := startSpinner("bringing up " + name)
		go printTransitions(sub)

		c, err := a.manager.EnsureUp(cmd.Context(), name)
		stop()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cluster %s is %s at %s\n", c.Name, colorStatus(c.Status), c.Address)
		return nil
	},
}

// printTransitions echoes status changes until sub closes
func printTransitions(sub events.Subscriber) {
	for ev := range sub {
		if from, to := ev.Metadata[events.MetaFrom], ev.Metadata[events.MetaTo]; to != "" {
			fmt.Fprintf(os.Stderr, "\r  %s → %s\n", from, to)
		}
	}
}

var clusterDownCmd = &cobra.Command{
	Use:   "down [NAME]",
	Short: "Tear a cluster down, keeping its registration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := clusterName(args)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		stop := startSpinner("tearing down " + name)
		err = a.manager.Teardown(cmd.Context(), name)
		stop()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cluster %s terminated\n", name)
		return nil
	},
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status [NAME]",
	Short: "Show the live status of a cluster",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := clusterName(args)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.manager.Status(cmd.Context(), name)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cluster:     %s\n", c.Name)
		fmt.Fprintf(out, "Provider:    %s\n", c.Provider)
		fmt.Fprintf(out, "Status:      %s\n", colorStatus(c.Status))
		fmt.Fprintf(out, "Address:     %s\n", c.Address)
		fmt.Fprintf(out, "Connection:  %s\n", c.ConnectionType)
		if c.InstanceID != "" {
			fmt.Fprintf(out, "Instance:    %s\n", c.InstanceID)
		}
		if !c.LastProbeAt.IsZero() {
			fmt.Fprintf(out, "Last probe:  %s\n", c.LastProbeAt.Format(time.RFC3339))
		}
		if c.Status != types.StatusRunning {
			return nil
		}

		check, err := a.client.Check(cmd.Context(), c)
		if err != nil {
			fmt.Fprintf(out, "Server:      %s\n", red("%v", err))
			return nil
		}
		fmt.Fprintf(out, "Server:      %s (version %s, up %s)\n", green("%s", check.Status), check.Version, check.Uptime)
		fmt.Fprintf(out, "Calls:       %d in flight, %d queued\n", check.InFlight, check.Queued)
		fmt.Fprintf(out, "Resources:   %d\n", check.Resources)
		return nil
	},
}

var clusterDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Tear a cluster down and forget it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.manager.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cluster %s deleted\n", args[0])
		return nil
	},
}

var clusterSSHCmd = &cobra.Command{
	Use:   "ssh [NAME]",
	Short: "Open an interactive shell on a cluster node",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := clusterName(args)
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.manager.Get(name)
		if err != nil {
			return err
		}
		cn, err := a.pool.Get(cmd.Context(), c)
		if err != nil {
			return err
		}
		return cn.Shell(cmd.Context(), os.Stdin, os.Stdout, os.Stderr)
	},
}

var clusterLogsCmd = &cobra.Command{
	Use:   "logs [NAME]",
	Short: "Tail the dispatch server log of a cluster",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := clusterName(args)
		if err != nil {
			return err
		}
		lines, _ := cmd.Flags().GetInt("lines")
		follow, _ := cmd.Flags().GetBool("follow")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.manager.Get(name)
		if err != nil {
			return err
		}
		return a.client.Logs(cmd.Context(), c, lines, follow, cmd.OutOrStdout())
	},
}

var clusterPublishCmd = &cobra.Command{
	Use:   "publish NAME",
	Short: "Publish a cluster definition to the registry service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.manager.Get(args[0])
		if err != nil {
			return err
		}
		remote := registry.NewRemoteRegistry(session.APIURL, session.Token)
		if err := remote.Publish(cmd.Context(), c); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cluster %s published to %s\n", c.Name, session.APIURL)
		return nil
	},
}

var clusterPullCmd = &cobra.Command{
	Use:   "pull NAME",
	Short: "Register a cluster published to the registry service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote := registry.NewRemoteRegistry(session.APIURL, session.Token)
		published, err := remote.Fetch(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.manager.Register(published)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cluster %s registered (%s)\n", c.Name, colorStatus(c.Status))
		return nil
	},
}

var clusterUnpublishCmd = &cobra.Command{
	Use:   "unpublish NAME",
	Short: "Remove a cluster definition from the registry service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote := registry.NewRemoteRegistry(session.APIURL, session.Token)
		if err := remote.Unpublish(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cluster %s unpublished\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clusterCmd)
	clusterCmd.AddCommand(clusterListCmd)
	clusterCmd.AddCommand(clusterUpCmd)
	clusterCmd.AddCommand(clusterDownCmd)
	clusterCmd.AddCommand(clusterStatusCmd)
	clusterCmd.AddCommand(clusterDeleteCmd)
	clusterCmd.AddCommand(clusterSSHCmd)
	clusterCmd.AddCommand(clusterLogsCmd)
	clusterCmd.AddCommand(clusterPublishCmd)
	clusterCmd.AddCommand(clusterPullCmd)
	clusterCmd.AddCommand(clusterUnpublishCmd)

	clusterListCmd.Flags().Bool("remote", false, "List clusters published to the registry service")
	clusterLogsCmd.Flags().IntP("lines", "n", 100, "Number of lines to show")
	clusterLogsCmd.Flags().BoolP("follow", "f", false, "Keep streaming new lines")
}
