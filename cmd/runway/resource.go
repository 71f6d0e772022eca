package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

// Resource commands
var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage resources resident on clusters",
}

var resourcePutCmd = &cobra.Command{
	Use:   "put CLUSTER NAME",
	Short: "Install or replace a resource on a cluster",
	Long: `Install a resource built from a blueprint on the cluster's dispatch server.

Examples:
  runway resource put c1 echo --blueprint echo
  runway resource put c1 cache --blueprint kv --kind actor
  runway resource put c1 train --blueprint shell --replicas 4 --multiprocess \
    --config '{"cmd":"python train.py"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		blueprint, _ := cmd.Flags().GetString("blueprint")
		kind, _ := cmd.Flags().GetString("kind")
		replicas, _ := cmd.Flags().GetInt("replicas")
		multiprocess, _ := cmd.Flags().GetBool("multiprocess")
		rawConfig, _ := cmd.Flags().GetString("config")
		up, _ := cmd.Flags().GetBool("up")

		spec := &types.RemoteResource{
			Name:             args[1],
			Cluster:          args[0],
			Kind:             types.ResourceKind(kind),
			Blueprint:        blueprint,
			DistributionMode: types.DistributionNone,
			Replicas:         replicas,
		}
		if multiprocess {
			spec.DistributionMode = types.DistributionMultiprocess
		}
		if rawConfig != "" {
			if err := json.Unmarshal([]byte(rawConfig), &spec.Config); err != nil {
				return fmt.Errorf("--config must be a JSON object: %v: %w", err, errdefs.ErrInvalidArgument)
			}
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cluster, err := a.runningCluster(cmd.Context(), args[0], up)
		if err != nil {
			return err
		}
		installed, err := a.client.PutResource(cmd.Context(), cluster, spec)
		if err != nil {
			return err
		}
		if err := a.registry.PutResource(cluster.Name, installed); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Resource %s installed on %s\n", installed.Name, cluster.Name)
		return nil
	},
}

var resourceListCmd = &cobra.Command{
	Use:   "list CLUSTER",
	Short: "List resources on a cluster",
	Long: `List the resources recorded for a cluster. For a RUNNING cluster the
dispatch server is asked too, and resources it no longer holds are marked.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cluster, err := a.manager.Get(args[0])
		if err != nil {
			return err
		}

		resident := map[string]bool{}
		live := cluster.Status == types.StatusRunning
		if live {
			keys, err := a.client.Keys(cmd.Context(), cluster)
			if err != nil {
				return err
			}
			for _, k := range keys {
				resident[k] = true
			}
		}

		ta := newTable(cmd.OutOrStdout(), "NAME", "BLUEPRINT", "KIND", "REPLICAS", "RESIDENT")
		for name, r := range cluster.Resources {
			state := "-"
			if live {
				state = red("no")
				if resident[name] {
					state = green("yes")
				}
				delete(resident, name)
			}
			ta.AppendRow([]any{name, r.Blueprint, r.Kind, r.Replicas, state})
		}
		for name := range resident {
			ta.AppendRow([]any{name, "?", "?", "-", yellow("unrecorded")})
		}
		ta.SortBy([]table.SortBy{{Name: "NAME", Mode: table.Asc}})
		ta.Render()
		return nil
	},
}

var resourceDeleteCmd = &cobra.Command{
	Use:   "delete CLUSTER NAME",
	Short: "Remove a resource from a cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cluster, err := a.manager.Get(args[0])
		if err != nil {
			return err
		}
		if cluster.Status == types.StatusRunning {
			if err := a.client.DeleteResource(cmd.Context(), cluster, args[1]); err != nil && !errors.Is(err, errdefs.ErrResourceNotFound) {
				return err
			}
		}
		if err := a.registry.DeleteResource(cluster.Name, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Resource %s removed from %s\n", args[1], cluster.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resourceCmd)
	resourceCmd.AddCommand(resourcePutCmd)
	resourceCmd.AddCommand(resourceListCmd)
	resourceCmd.AddCommand(resourceDeleteCmd)

	resourcePutCmd.Flags().String("blueprint", "", "Blueprint to build the resource from (required)")
	resourcePutCmd.Flags().String("kind", "", "Resource kind: function, module or actor (default: the blueprint's)")
	resourcePutCmd.Flags().Int("replicas", 0, "Ranks to fan calls out to")
	resourcePutCmd.Flags().Bool("multiprocess", false, "Fan calls out across replicas")
	resourcePutCmd.Flags().String("config", "", "Blueprint configuration as a JSON object")
	resourcePutCmd.Flags().Bool("up", false, "Bring the cluster up first")
	_ = resourcePutCmd.MarkFlagRequired("blueprint")
}
