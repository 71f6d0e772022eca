package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/secrets"
	"github.com/cuemby/runway/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply clusters, resources and secrets from a YAML file. A file may hold
several documents separated by '---'.

Examples:
  # Register a cluster
  runway apply -f cluster.yaml

  # Register everything and bring the clusters up
  runway apply -f stack.yaml --up`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().Bool("up", false, "Bring clusters up after registering them")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Manifest is one document of an applied file
type Manifest struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   Metadata       `yaml:"metadata"`
	Spec       map[string]any `yaml:"spec"`
}

type Metadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	up, _ := cmd.Flags().GetBool("up")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	manifests, err := parseManifests(data)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	for _, m := range manifests {
		switch m.Kind {
		case "Cluster":
			err = a.applyCluster(cmd.Context(), out, m, up)
		case "Resource":
			err = a.applyResource(cmd.Context(), out, m, up)
		case "Secret":
			err = a.applySecret(cmd.Context(), out, m)
		default:
			err = fmt.Errorf("unsupported kind %q: %w", m.Kind, errdefs.ErrInvalidArgument)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", m.Kind, m.Metadata.Name, err)
		}
	}
	return nil
}

func parseManifests(data []byte) ([]*Manifest, error) {
	var manifests []*Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var m Manifest
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %v: %w", err, errdefs.ErrInvalidArgument)
		}
		if m.Kind == "" && m.Metadata.Name == "" {
			continue
		}
		if m.Metadata.Name == "" {
			return nil, fmt.Errorf("%s without metadata.name: %w", m.Kind, errdefs.ErrInvalidArgument)
		}
		manifests = append(manifests, &m)
	}
	return manifests, nil
}

// decodeSpec converts a YAML spec into a typed value through its JSON tags
func decodeSpec(spec map[string]any, out any) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("invalid spec: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid spec: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

func (a *app) applyCluster(ctx context.Context, out io.Writer, m *Manifest, up bool) error {
	var c types.Cluster
	if err := decodeSpec(m.Spec, &c); err != nil {
		return err
	}
	c.Name = m.Metadata.Name
	if c.AutostopMinutes == 0 {
		c.AutostopMinutes = session.DefaultAutostopMinutes
	}

	registered, err := a.manager.Register(&c)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Cluster registered: %s (%s)\n", registered.Name, colorStatus(registered.Status))

	if !up {
		return nil
	}
	stop := startSpinner("bringing up " + c.Name)
	running, err := a.manager.EnsureUp(ctx, c.Name)
	stop()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Cluster %s is %s at %s\n", running.Name, colorStatus(running.Status), running.Address)
	return nil
}

func (a *app) applyResource(ctx context.Context, out io.Writer, m *Manifest, up bool) error {
	var spec types.RemoteResource
	if err := decodeSpec(m.Spec, &spec); err != nil {
		return err
	}
	spec.Name = m.Metadata.Name
	if spec.Cluster == "" {
		return fmt.Errorf("spec.cluster is required: %w", errdefs.ErrInvalidArgument)
	}

	cluster, err := a.runningCluster(ctx, spec.Cluster, up)
	if err != nil {
		return err
	}
	installed, err := a.client.PutResource(ctx, cluster, &spec)
	if err != nil {
		return err
	}
	if err := a.registry.PutResource(cluster.Name, installed); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Resource %s installed on %s (blueprint %s)\n", installed.Name, cluster.Name, installed.Blueprint)
	return nil
}

type secretSpec struct {
	Provider string            `json:"provider"`
	Values   map[string]string `json:"values,omitempty"`
	Path     string            `json:"path,omitempty"`
	Cluster  string            `json:"cluster,omitempty"`
}

func (a *app) applySecret(ctx context.Context, out io.Writer, m *Manifest) error {
	var spec secretSpec
	if err := decodeSpec(m.Spec, &spec); err != nil {
		return err
	}
	if spec.Provider == "" {
		spec.Provider = m.Metadata.Name
	}

	secret, err := resolveSecret(spec.Provider, spec.Path, spec.Values)
	if err != nil {
		return err
	}
	secret.Name = m.Metadata.Name

	store, err := a.secretStore()
	if err != nil {
		return err
	}
	if err := store.Put(secret); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Secret stored: %s\n", secret.Name)

	if spec.Cluster == "" {
		return nil
	}
	cluster, err := a.manager.Get(spec.Cluster)
	if err != nil {
		return err
	}
	if err := secrets.NewSyncer(a.client).Sync(ctx, cluster, secret); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Secret %s synced to %s\n", secret.Name, cluster.Name)
	return nil
}

// runningCluster returns name if it is RUNNING, bringing it up when up is set
func (a *app) runningCluster(ctx context.Context, name string, up bool) (*types.Cluster, error) {
	if up {
		return a.manager.EnsureUp(ctx, name)
	}
	c, err := a.manager.Get(name)
	if err != nil {
		return nil, err
	}
	if c.Status != types.StatusRunning {
		return nil, fmt.Errorf("cluster %s is %s; run 'runway cluster up %s' or pass --up: %w",
			name, c.Status, name, errdefs.ErrUnreachable)
	}
	return c, nil
}
