package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/security"
	"github.com/cuemby/runway/pkg/storage"
	"github.com/cuemby/runway/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const awsCredentials = `[default]
aws_access_key_id = AKIAEXAMPLE
aws_secret_access_key = s3cr3t

[other]
aws_access_key_id = IGNORED
`

func newLoader(t *testing.T, env map[string]string) (*Loader, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	l := NewLoader(fs, "/home/dev")
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l, fs
}

func TestLoader_FileFirst(t *testing.T) {
	l, fs := newLoader(t, map[string]string{
		"AWS_ACCESS_KEY_ID":     "FROM_ENV",
		"AWS_SECRET_ACCESS_KEY": "env",
	})
	require.NoError(t, afero.WriteFile(fs, "/home/dev/.aws/credentials", []byte(awsCredentials), 0600))

	s, err := l.Load("aws")
	require.NoError(t, err)
	assert.Equal(t, "aws", s.Name)
	assert.Equal(t, "AKIAEXAMPLE", s.Values["aws_access_key_id"])
	assert.Equal(t, "s3cr3t", s.Values["aws_secret_access_key"])
	assert.Equal(t, "~/.aws/credentials", s.TargetPath)
	assert.Equal(t, "AWS_ACCESS_KEY_ID", s.EnvVars["aws_access_key_id"])
}

func TestLoader_EnvFallback(t *testing.T) {
	l, _ := newLoader(t, map[string]string{"HF_TOKEN": "hf_abc"})

	s, err := l.Load("huggingface")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "hf_abc"}, s.Values)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		env      map[string]string
		wantErr  error
	}{
		{name: "unknown provider", provider: "azure", wantErr: errdefs.ErrInvalidArgument},
		{name: "no file no env", provider: "ssh", wantErr: errdefs.ErrNotFound},
		{
			name:     "partial env",
			provider: "aws",
			env:      map[string]string{"AWS_ACCESS_KEY_ID": "x"},
			wantErr:  errdefs.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newLoader(t, tt.env)
			_, err := l.Load(tt.provider)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoader_INIWithoutDefaultSection(t *testing.T) {
	l, fs := newLoader(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/home/dev/.aws/credentials", []byte("[prod]\nkey = v\n"), 0600))

	_, err := l.Load("aws")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRenderRoundTrip(t *testing.T) {
	tests := []struct {
		provider string
		values   map[string]string
	}{
		{"aws", map[string]string{"aws_access_key_id": "AK", "aws_secret_access_key": "SK"}},
		{"gcp", map[string]string{"client_id": "id", "client_secret": "sec", "type": "authorized_user"}},
		{"ssh", map[string]string{"private_key": "-----BEGIN KEY-----\nabc\n-----END KEY-----"}},
		{"huggingface", map[string]string{"token": "hf_abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			data, err := Render(&types.Secret{Provider: tt.provider, Values: tt.values})
			require.NoError(t, err)

			p, _ := Lookup(tt.provider)
			got, err := p.Parse(data)
			require.NoError(t, err)
			assert.Equal(t, tt.values, got)
		})
	}
}

func TestRender_MissingRawValue(t *testing.T) {
	_, err := Render(&types.Secret{Provider: "kubernetes", Values: map[string]string{"other": "x"}})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestRender_UnknownProviderIsJSON(t *testing.T) {
	data, err := Render(&types.Secret{Provider: "custom", Values: map[string]string{"a": "b"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, string(data))
}

func TestExpandHome(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"~", "/home/dev"},
		{"~/.ssh/id_rsa", "/home/dev/.ssh/id_rsa"},
		{"/etc/creds", "/etc/creds"},
		{"rel/path", "rel/path"},
	}
	for _, tt := range tests {
		if got := ExpandHome("/home/dev", tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"aws", "gcp", "huggingface", "kubernetes", "ssh"}, Names())
	assert.Equal(t, "~/.kube/config", DefaultPath("kubernetes"))
	assert.Empty(t, DefaultPath("nope"))
}

func TestStore(t *testing.T) {
	bolt, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer bolt.Close()

	sm, err := security.NewSecretsManager(make([]byte, 32))
	require.NoError(t, err)
	store := NewStore(bolt, sm)

	require.NoError(t, store.Put(&types.Secret{Provider: "huggingface", Values: map[string]string{"token": "hf"}}))
	require.NoError(t, store.Put(&types.Secret{Provider: "ssh", Name: "deploy-key", Values: map[string]string{"private_key": "k"}}))

	got, err := store.Get("huggingface")
	require.NoError(t, err)
	assert.Equal(t, "hf", got.Values["token"])

	raw, err := bolt.GetSecret("huggingface")
	require.NoError(t, err)
	assert.NotContains(t, string(raw.EncryptedData), "hf")

	all, err := store.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.Delete("deploy-key"))
	_, err = store.Get("deploy-key")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

type fakePusher struct {
	fail   map[string]error
	pushed []string
}

func (p *fakePusher) PutSecret(_ context.Context, _ *types.Cluster, s *types.Secret) error {
	if err := p.fail[s.Name]; err != nil {
		return err
	}
	p.pushed = append(p.pushed, s.Name)
	return nil
}

func TestSyncer_ContinuesPastFailures(t *testing.T) {
	pusher := &fakePusher{fail: map[string]error{"gcp": errdefs.ErrUnreachable}}
	syncer := NewSyncer(pusher)

	err := syncer.Sync(context.Background(), &types.Cluster{Name: "c1"},
		&types.Secret{Name: "aws"},
		&types.Secret{Name: "gcp"},
		&types.Secret{Name: "ssh"},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrUnreachable)
	assert.Equal(t, []string{"aws", "ssh"}, pusher.pushed)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 1)
}

func TestSyncer_AllDelivered(t *testing.T) {
	pusher := &fakePusher{}
	err := NewSyncer(pusher).Sync(context.Background(), &types.Cluster{Name: "c1"}, &types.Secret{Name: "aws"})
	assert.NoError(t, err)
}

func TestSyncer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pusher := &fakePusher{}
	err := NewSyncer(pusher).Sync(ctx, &types.Cluster{Name: "c1"}, &types.Secret{Name: "aws"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pusher.pushed)
}
