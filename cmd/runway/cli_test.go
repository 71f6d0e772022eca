package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

func TestParseManifests(t *testing.T) {
	data := []byte(`
apiVersion: runway/v1
kind: Cluster
metadata:
  name: c1
spec:
  provider: static
  address: 10.0.0.7
  autostop_minutes: 30
---
kind: Resource
metadata:
  name: echo
spec:
  cluster: c1
  blueprint: echo
---
`)
	manifests, err := parseManifests(data)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	assert.Equal(t, "Cluster", manifests[0].Kind)
	assert.Equal(t, "c1", manifests[0].Metadata.Name)
	assert.Equal(t, "Resource", manifests[1].Kind)
	assert.Equal(t, "echo", manifests[1].Spec["blueprint"])
}

func TestParseManifests_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "missing name", data: "kind: Cluster\nspec: {}\n"},
		{name: "bad yaml", data: "kind: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseManifests([]byte(tt.data))
			assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
		})
	}
}

func TestDecodeSpec(t *testing.T) {
	var c types.Cluster
	err := decodeSpec(map[string]any{
		"provider":         "static",
		"address":          "10.0.0.7",
		"autostop_minutes": 30,
	}, &c)
	require.NoError(t, err)
	assert.Equal(t, types.ProviderStatic, c.Provider)
	assert.Equal(t, "10.0.0.7", c.Address)
	assert.Equal(t, 30, c.AutostopMinutes)

	err = decodeSpec(map[string]any{"provder": "static"}, &c)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"hi", "42", `{"a":1}`, "[1,2]", "true", "not json {"})
	want := []any{"hi", float64(42), map[string]any{"a": float64(1)}, []any{float64(1), float64(2)}, true, "not json {"}
	assert.Equal(t, want, got)
}

func TestResolveSecret_ExplicitValues(t *testing.T) {
	values := map[string]string{"token": "hf_abc"}
	secret, err := resolveSecret("huggingface", "", values)
	require.NoError(t, err)

	assert.Equal(t, "huggingface", secret.Name)
	assert.Equal(t, "hf_abc", secret.Values["token"])
	assert.NotEmpty(t, secret.TargetPath, "built-in provider path is used")

	values["token"] = "changed"
	assert.Equal(t, "hf_abc", secret.Values["token"], "values are copied")
}

func TestResolveSecret_UnknownProviderWithValues(t *testing.T) {
	secret, err := resolveSecret("wandb", "/home/node/.netrc", map[string]string{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "wandb", secret.Provider)
	assert.Equal(t, "/home/node/.netrc", secret.TargetPath)
	assert.Empty(t, secret.EnvVars)
}

func TestCertHosts(t *testing.T) {
	hosts := certHosts("10.0.0.7")
	assert.Contains(t, hosts, "localhost")
	assert.Contains(t, hosts, "127.0.0.1")
	assert.Contains(t, hosts, "10.0.0.7")

	assert.NotContains(t, certHosts("0.0.0.0"), "0.0.0.0")
}

func TestLoadSession(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("home", "", "")
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("log-json", false, "")
	require.NoError(t, cmd.Flags().Set("home", t.TempDir()))
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))

	require.NoError(t, loadSession(cmd, nil))
	require.NotNil(t, session)
	assert.NoError(t, closeLogs())
}
