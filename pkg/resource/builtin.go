package resource

import (
	"context"
	"encoding/json"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/runway/pkg/types"
)

// echo returns its arguments. Its extra methods exist to exercise the
// protocol: sleeping, raising, panicking and logging.
func newEcho(spec *types.RemoteResource) (Resource, error) {
	return NewFunction(spec, echoRun, map[string]MethodFunc{
		"sleep": echoSleep,
		"fail":  echoFail,
		"panic": echoPanic,
		"lines": echoLines,
	}), nil
}

func echoRun(ctx context.Context, inv *Invocation) (any, error) {
	var out any
	switch {
	case len(inv.Args) == 1 && len(inv.Kwargs) == 0:
		out = inv.Args[0]
	case len(inv.Args) == 0 && len(inv.Kwargs) > 0:
		out = inv.Kwargs
	case len(inv.Args) > 0:
		out = inv.Args
	}
	inv.Printf("echo: %v", out)
	return out, nil
}

func echoSleep(ctx context.Context, inv *Invocation) (any, error) {
	v, _ := inv.Param(0, "seconds")
	seconds, ok := toFloat(v)
	if !ok || seconds < 0 {
		return nil, invalidArg("seconds must be a non-negative number")
	}

	inv.Printf("sleeping %gs", seconds)
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return seconds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func echoFail(ctx context.Context, inv *Invocation) (any, error) {
	msg, err := inv.StringParam(0, "message")
	if err != nil {
		msg = "failed on request"
	}
	typ := TypeRuntime
	if v, ok := inv.Kwargs["type"].(string); ok && v != "" {
		typ = v
	}
	inv.Eprintf("raising %s", typ)
	return nil, Raise(typ, "%s", msg)
}

func echoPanic(ctx context.Context, inv *Invocation) (any, error) {
	msg, err := inv.StringParam(0, "message")
	if err != nil {
		msg = "panic on request"
	}
	panic(msg)
}

func echoLines(ctx context.Context, inv *Invocation) (any, error) {
	v, _ := inv.Param(0, "count")
	n, ok := toFloat(v)
	if !ok || n < 0 {
		return nil, invalidArg("count must be a non-negative number")
	}
	interval := time.Duration(0)
	if v, ok := inv.Param(1, "interval_ms"); ok {
		ms, _ := toFloat(v)
		interval = time.Duration(ms) * time.Millisecond
	}

	for i := range int(n) {
		if i > 0 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		inv.Printf("line %d", i)
	}
	return int(n), nil
}

// kv is an in-memory key/value actor
type kvState struct {
	data map[string]any
}

func newKV(spec *types.RemoteResource) (Resource, error) {
	s := &kvState{data: make(map[string]any)}
	if initial, ok := spec.Config["data"].(map[string]any); ok {
		maps.Copy(s.data, initial)
	}
	return NewActor(spec, map[string]MethodFunc{
		"put":    s.put,
		"get":    s.get,
		"delete": s.delete,
		"keys":   s.keys,
		"len":    s.len,
		"clear":  s.clear,
	}), nil
}

func (s *kvState) put(ctx context.Context, inv *Invocation) (any, error) {
	key, err := inv.StringParam(0, "key")
	if err != nil {
		return nil, err
	}
	value, ok := inv.Param(1, "value")
	if !ok {
		return nil, invalidArg("missing argument %q", "value")
	}
	s.data[key] = value
	return nil, nil
}

func (s *kvState) get(ctx context.Context, inv *Invocation) (any, error) {
	key, err := inv.StringParam(0, "key")
	if err != nil {
		return nil, err
	}
	if v, ok := s.data[key]; ok {
		return v, nil
	}
	if def, ok := inv.Param(1, "default"); ok {
		return def, nil
	}
	return nil, Raise(TypeKeyNotFound, "%q", key)
}

func (s *kvState) delete(ctx context.Context, inv *Invocation) (any, error) {
	key, err := inv.StringParam(0, "key")
	if err != nil {
		return nil, err
	}
	_, existed := s.data[key]
	delete(s.data, key)
	return existed, nil
}

func (s *kvState) keys(ctx context.Context, inv *Invocation) (any, error) {
	return slices.Sorted(maps.Keys(s.data)), nil
}

func (s *kvState) len(ctx context.Context, inv *Invocation) (any, error) {
	return len(s.data), nil
}

func (s *kvState) clear(ctx context.Context, inv *Invocation) (any, error) {
	n := len(s.data)
	clear(s.data)
	return n, nil
}

// env exposes an environment overlay. setenv changes the overlay only, never
// the server process.
type envState struct {
	mu   sync.RWMutex
	vars map[string]string
}

func newEnv(spec *types.RemoteResource) (Resource, error) {
	s := &envState{vars: make(map[string]string)}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			s.vars[k] = v
		}
	}
	if extra, ok := spec.Config["env"].(map[string]any); ok {
		for k, v := range extra {
			if str, ok := v.(string); ok {
				s.vars[k] = str
			}
		}
	}
	return NewModule(spec, map[string]MethodFunc{
		"getenv":  s.getenv,
		"setenv":  s.setenv,
		"environ": s.environ,
	}), nil
}

func (s *envState) getenv(ctx context.Context, inv *Invocation) (any, error) {
	name, err := inv.StringParam(0, "name")
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.vars[name]; ok {
		return v, nil
	}
	def, _ := inv.Param(1, "default")
	return def, nil
}

func (s *envState) setenv(ctx context.Context, inv *Invocation) (any, error) {
	name, err := inv.StringParam(0, "name")
	if err != nil {
		return nil, err
	}
	value, err := inv.StringParam(1, "value")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
	return nil, nil
}

func (s *envState) environ(ctx context.Context, inv *Invocation) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.vars), nil
}

// toFloat accepts the numeric types JSON and CBOR decoding produce
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
