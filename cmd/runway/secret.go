package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/secrets"
	"github.com/cuemby/runway/pkg/types"
)

// Secret commands
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage provider credentials",
	Long: `Store provider credentials locally (encrypted) and sync them to clusters.

Built-in providers: ` + strings.Join(secrets.Names(), ", "),
}

var secretSetCmd = &cobra.Command{
	Use:   "set PROVIDER",
	Short: "Store credentials for a provider",
	Long: `Store credentials for a provider in the local encrypted store. Without
--value the credentials are read from the provider's default file or its
environment variables.

Examples:
  runway secret set aws
  runway secret set huggingface --value token=hf_xxx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		path, _ := cmd.Flags().GetString("path")
		pairs, _ := cmd.Flags().GetStringToString("value")

		secret, err := resolveSecret(args[0], path, pairs)
		if err != nil {
			return err
		}
		if name != "" {
			secret.Name = name
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := a.secretStore()
		if err != nil {
			return err
		}
		if err := store.Put(secret); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Secret stored: %s (%s)\n", secret.Name, strings.Join(slices.Sorted(maps.Keys(secret.Values)), ", "))
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secrets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := a.secretStore()
		if err != nil {
			return err
		}
		list, err := store.List()
		if err != nil {
			return err
		}

		ta := newTable(cmd.OutOrStdout(), "NAME", "PROVIDER", "KEYS", "PATH")
		for _, s := range list {
			ta.AppendRow([]any{s.Name, s.Provider, strings.Join(slices.Sorted(maps.Keys(s.Values)), ","), s.TargetPath})
		}
		ta.Render()
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a stored secret",
	Long: `Delete a secret from the local store. With --cluster the copy written
to that cluster's node by "secret sync" is removed first.

Examples:
  runway secret delete aws
  runway secret delete huggingface --cluster gpu-box`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clusterName, _ := cmd.Flags().GetString("cluster")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if clusterName != "" {
			cluster, err := a.manager.Get(clusterName)
			if err != nil {
				return err
			}
			store, err := a.secretStore()
			if err != nil {
				return err
			}
			secret, err := store.Get(args[0])
			if err != nil {
				return err
			}
			removed, err := a.client.RemoveSecret(cmd.Context(), cluster, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %s from %s\n", removed.Path, cluster.Name)
		}

		if err := a.store.DeleteSecret(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Secret deleted: %s\n", args[0])
		return nil
	},
}

var secretSyncCmd = &cobra.Command{
	Use:   "sync CLUSTER [NAME...]",
	Short: "Push secrets to a cluster",
	Long: `Push secrets to a cluster's node, where they are written to the
provider's credentials path. Names are looked up in the local store first and
then discovered from the machine. Without names every stored secret is pushed.`,
	Args: cobra.MinimumNArgs(1),
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
		store, err := a.secretStore()
		if err != nil {
			return err
		}

		var list []*types.Secret
		if len(args) == 1 {
			if list, err = store.List(); err != nil {
				return err
			}
		}
		for _, name := range args[1:] {
			secret, err := store.Get(name)
			if errors.Is(err, errdefs.ErrNotFound) {
				secret, err = resolveSecret(name, "", nil)
			}
			if err != nil {
				return err
			}
			list = append(list, secret)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No secrets to sync")
			return nil
		}

		if err := secrets.NewSyncer(a.client).Sync(cmd.Context(), cluster, list...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %d secret(s) synced to %s\n", len(list), cluster.Name)
		return nil
	},
}

// resolveSecret builds a provider secret from explicit values, a file, or
// the provider's default discovery
func resolveSecret(provider, path string, values map[string]string) (*types.Secret, error) {
	p, ok := secrets.Lookup(provider)
	if len(values) > 0 {
		secret := &types.Secret{
			Provider:   provider,
			Name:       provider,
			Values:     maps.Clone(values),
			TargetPath: path,
		}
		if ok {
			if secret.TargetPath == "" {
				secret.TargetPath = p.Path
			}
			secret.EnvVars = maps.Clone(p.EnvVars)
		}
		return secret, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	loader := secrets.NewLoader(session.FS(), home)
	if path != "" {
		return loader.LoadFile(provider, path)
	}
	return loader.Load(provider)
}

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	secretCmd.AddCommand(secretSyncCmd)

	secretDeleteCmd.Flags().String("cluster", "", "Also remove the secret from this cluster's node")

	secretSetCmd.Flags().String("name", "", "Name to store the secret under (default: provider)")
	secretSetCmd.Flags().String("path", "", "Read credentials from this file, and write them there on the node")
	secretSetCmd.Flags().StringToString("value", nil, "Explicit value as key=value (repeatable)")
}
