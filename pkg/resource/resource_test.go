package resource

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRecorder) log(stream, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, stream+": "+line)
}

func newTestTable(t *testing.T, specs ...*types.RemoteResource) *Table {
	t.Helper()
	table := NewTable(DefaultCatalog())
	for _, spec := range specs {
		_, err := table.Put(spec)
		require.NoError(t, err)
	}
	return table
}

func invoke(t *testing.T, table *Table, name, method string, args []any, kwargs map[string]any) (any, error) {
	t.Helper()
	res, err := table.Get(name)
	require.NoError(t, err)
	return res.Invoke(context.Background(), &Invocation{Method: method, Args: args, Kwargs: kwargs})
}

func TestTable_PutGetDelete(t *testing.T) {
	table := newTestTable(t,
		&types.RemoteResource{Name: "echo", Blueprint: "echo"},
		&types.RemoteResource{Name: "store", Blueprint: "kv"},
	)

	assert.Equal(t, []string{"echo", "store"}, table.Keys())
	assert.Equal(t, 2, table.Len())

	res, err := table.Get("store")
	require.NoError(t, err)
	assert.Equal(t, types.ResourceActor, res.Kind())
	assert.Equal(t, types.DistributionNone, res.Spec().DistributionMode)
	assert.False(t, res.Spec().CreatedAt.IsZero())

	require.NoError(t, table.Delete("echo"))
	_, err = table.Get("echo")
	assert.ErrorIs(t, err, errdefs.ErrResourceNotFound)
	assert.ErrorIs(t, table.Delete("echo"), errdefs.ErrResourceNotFound)

	// The freed slot is reused
	_, err = table.Put(&types.RemoteResource{Name: "env", Blueprint: "env"})
	require.NoError(t, err)
	assert.Len(t, table.slots, 2)
	assert.Equal(t, []string{"env", "store"}, table.Keys())
}

func TestTable_PutReplaces(t *testing.T) {
	table := newTestTable(t, &types.RemoteResource{Name: "store", Blueprint: "kv"})
	_, err := invoke(t, table, "store", "put", []any{"a", 1.0}, nil)
	require.NoError(t, err)

	_, err = table.Put(&types.RemoteResource{Name: "store", Blueprint: "kv"})
	require.NoError(t, err)

	n, err := invoke(t, table, "store", "len", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, table.Len())
}

func TestTable_PutRejects(t *testing.T) {
	tests := map[string]*types.RemoteResource{
		"reserved":          {Name: "check", Blueprint: "echo"},
		"bad name":          {Name: "a/b", Blueprint: "echo"},
		"unknown blueprint": {Name: "x", Blueprint: "nope"},
		"kind mismatch":     {Name: "x", Blueprint: "kv", Kind: types.ResourceFunction},
		"negative replicas": {Name: "x", Blueprint: "echo", Replicas: -1},
	}
	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			table := newTestTable(t)
			_, err := table.Put(spec)
			assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
			assert.Zero(t, table.Len())
		})
	}
}

func TestEcho(t *testing.T) {
	table := newTestTable(t, &types.RemoteResource{Name: "echo", Blueprint: "echo"})

	tests := []struct {
		name   string
		method string
		args   []any
		kwargs map[string]any
		want   any
	}{
		{"single arg", "run", []any{"hi"}, nil, "hi"},
		{"call alias", "call", []any{42.0}, nil, 42.0},
		{"empty method", "", []any{true}, nil, true},
		{"several args", "run", []any{"a", "b"}, nil, []any{"a", "b"}},
		{"kwargs only", "run", nil, map[string]any{"k": "v"}, map[string]any{"k": "v"}},
		{"nothing", "run", nil, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := invoke(t, table, "echo", tt.method, tt.args, tt.kwargs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEcho_Failures(t *testing.T) {
	table := newTestTable(t, &types.RemoteResource{Name: "echo", Blueprint: "echo"})

	_, err := invoke(t, table, "echo", "fail", []any{"boom"}, map[string]any{"type": "ValueError"})
	var re *errdefs.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "ValueError", re.Type)
	assert.Equal(t, "boom", re.Message)

	_, err = invoke(t, table, "echo", "nope", nil, nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, TypeMethodNotFound, re.Type)

	assert.Panics(t, func() {
		_, _ = invoke(t, table, "echo", "panic", []any{"kaboom"}, nil)
	})
}

func TestEcho_SleepHonorsContext(t *testing.T) {
	table := newTestTable(t, &types.RemoteResource{Name: "echo", Blueprint: "echo"})
	res, err := table.Get("echo")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = res.Invoke(ctx, &Invocation{Method: "sleep", Args: []any{5.0}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := res.Invoke(context.Background(), &Invocation{Method: "sleep", Args: []any{0.001}})
	require.NoError(t, err)
	assert.Equal(t, 0.001, got)
}

func TestEcho_JSONNumberArgs(t *testing.T) {
	table := newTestTable(t, &types.RemoteResource{Name: "echo", Blueprint: "echo"})
	res, err := table.Get("echo")
	require.NoError(t, err)

	got, err := res.Invoke(context.Background(), &Invocation{Method: "lines", Args: []any{json.Number("2")}, Log: (&logRecorder{}).log})
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	_, err = res.Invoke(context.Background(), &Invocation{Method: "sleep", Args: []any{json.Number("soon")}})
	var re *errdefs.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, errdefs.TypeInvalidArgument, re.Type)
}

func TestEcho_Lines(t *testing.T) {
	table := newTestTable(t, &types.RemoteResource{Name: "echo", Blueprint: "echo"})
	res, err := table.Get("echo")
	require.NoError(t, err)

	rec := &logRecorder{}
	got, err := res.Invoke(context.Background(), &Invocation{Method: "lines", Args: []any{3.0}, Log: rec.log})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, []string{"stdout: line 0", "stdout: line 1", "stdout: line 2"}, rec.lines)
}

func TestKV(t *testing.T) {
	table := newTestTable(t, &types.RemoteResource{
		Name:      "store",
		Blueprint: "kv",
		Config:    map[string]any{"data": map[string]any{"seed": "x"}},
	})

	_, err := invoke(t, table, "store", "put", []any{"a", 1.0}, nil)
	require.NoError(t, err)
	_, err = invoke(t, table, "store", "put", nil, map[string]any{"key": "b", "value": "two"})
	require.NoError(t, err)

	got, err := invoke(t, table, "store", "get", []any{"b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "two", got)

	got, err = invoke(t, table, "store", "get", []any{"missing", "fallback"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)

	_, err = invoke(t, table, "store", "get", []any{"missing"}, nil)
	var re *errdefs.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, TypeKeyNotFound, re.Type)

	keys, err := invoke(t, table, "store", "keys", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "seed"}, keys)

	existed, err := invoke(t, table, "store", "delete", []any{"a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, existed)

	n, err := invoke(t, table, "store", "clear", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestKV_SerializesCalls(t *testing.T) {
	table := newTestTable(t, &types.RemoteResource{Name: "store", Blueprint: "kv"})
	res, err := table.Get("store")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := res.Invoke(context.Background(), &Invocation{Method: "put", Args: []any{string(rune('a' + i%26)), float64(i)}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := invoke(t, table, "store", "len", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 26, n)
}

func TestEnv(t *testing.T) {
	t.Setenv("RUNWAY_TEST_VAR", "from-process")
	table := newTestTable(t, &types.RemoteResource{
		Name:      "env",
		Blueprint: "env",
		Config:    map[string]any{"env": map[string]any{"EXTRA": "1"}},
	})

	got, err := invoke(t, table, "env", "getenv", []any{"RUNWAY_TEST_VAR"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-process", got)

	got, err = invoke(t, table, "env", "getenv", []any{"EXTRA"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	_, err = invoke(t, table, "env", "setenv", []any{"RUNWAY_TEST_VAR", "overlay"}, nil)
	require.NoError(t, err)
	got, err = invoke(t, table, "env", "getenv", []any{"RUNWAY_TEST_VAR"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "overlay", got)

	_, err = invoke(t, table, "env", "run", nil, nil)
	var re *errdefs.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, TypeMethodNotFound, re.Type)
}

func TestShell(t *testing.T) {
	table := newTestTable(t, &types.RemoteResource{Name: "sh", Blueprint: "shell"})
	res, err := table.Get("sh")
	require.NoError(t, err)

	rec := &logRecorder{}
	got, err := res.Invoke(context.Background(), &Invocation{
		Method:    "run",
		Args:      []any{`echo "rank $RANK of $WORLD_SIZE"; echo oops >&2`},
		Rank:      1,
		WorldSize: 2,
		Log:       rec.log,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"exit_code": 0, "rank": 1}, got)
	assert.ElementsMatch(t, []string{"stdout: rank 1 of 2", "stderr: oops"}, rec.lines)

	_, err = res.Invoke(context.Background(), &Invocation{Method: "run", Args: []any{"exit 3"}})
	var re *errdefs.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, TypeProcess, re.Type)
	assert.Contains(t, re.Message, "status 3")

	_, err = res.Invoke(context.Background(), &Invocation{Method: "run"})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, errdefs.TypeInvalidArgument, re.Type)
}
