package resource

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

// Error types raised by resources
const (
	TypeMethodNotFound = "MethodNotFound"
	TypeKeyNotFound    = "KeyNotFound"
	TypeRuntime        = "RuntimeError"
	TypeProcess        = "ProcessError"
)

// Stream names for log lines
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Resource is a callable resident in a dispatch server. It is one of
// *Function, *Module or *Actor.
type Resource interface {
	Spec() *types.RemoteResource
	Kind() types.ResourceKind
	Methods() []string
	Invoke(ctx context.Context, inv *Invocation) (any, error)
}

// MethodFunc implements one method of a resource
type MethodFunc func(ctx context.Context, inv *Invocation) (any, error)

// Invocation is a single call as seen by resource code
type Invocation struct {
	Method string
	Args   []any
	Kwargs map[string]any

	// Rank and WorldSize are set when a multiprocess resource fans out
	Rank      int
	WorldSize int

	// Log receives output lines; nil discards them
	Log func(stream, line string)
}

// Printf emits a stdout line
func (inv *Invocation) Printf(format string, a ...any) {
	inv.emit(Stdout, fmt.Sprintf(format, a...))
}

// Eprintf emits a stderr line
func (inv *Invocation) Eprintf(format string, a ...any) {
	inv.emit(Stderr, fmt.Sprintf(format, a...))
}

func (inv *Invocation) emit(stream, text string) {
	if inv.Log == nil {
		return
	}
	for line := range strings.SplitSeq(strings.TrimRight(text, "\n"), "\n") {
		inv.Log(stream, line)
	}
}

// Param returns positional argument i, or the keyword argument key
func (inv *Invocation) Param(i int, key string) (any, bool) {
	if i >= 0 && i < len(inv.Args) {
		return inv.Args[i], true
	}
	v, ok := inv.Kwargs[key]
	return v, ok
}

// StringParam is Param for a required string
func (inv *Invocation) StringParam(i int, key string) (string, error) {
	v, ok := inv.Param(i, key)
	if !ok {
		return "", invalidArg("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidArg("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}

// Raise builds an exception carried back to the caller
func Raise(typ, format string, a ...any) error {
	return &errdefs.RemoteError{Type: typ, Message: fmt.Sprintf(format, a...)}
}

func invalidArg(format string, a ...any) error {
	return Raise(errdefs.TypeInvalidArgument, format, a...)
}

// base holds what every variant shares
type base struct {
	spec    *types.RemoteResource
	methods map[string]MethodFunc
}

func newBase(spec *types.RemoteResource, kind types.ResourceKind, methods map[string]MethodFunc) base {
	s := *spec
	s.Kind = kind
	s.Config = maps.Clone(spec.Config)
	if s.DistributionMode == "" {
		s.DistributionMode = types.DistributionNone
	}
	return base{spec: &s, methods: methods}
}

func (b *base) Spec() *types.RemoteResource {
	s := *b.spec
	s.Config = maps.Clone(b.spec.Config)
	return &s
}

func (b *base) Kind() types.ResourceKind {
	return b.spec.Kind
}

func (b *base) Methods() []string {
	return slices.Sorted(maps.Keys(b.methods))
}

func (b *base) lookup(method string) (MethodFunc, error) {
	fn, ok := b.methods[method]
	if !ok {
		return nil, Raise(TypeMethodNotFound, "%s %q has no method %q", b.spec.Kind, b.spec.Name, method)
	}
	return fn, nil
}

// Function is a stateless callable. "", "call" and "__call__" all invoke run.
type Function struct {
	base
}

// NewFunction creates a function resource whose default entry point is run
func NewFunction(spec *types.RemoteResource, run MethodFunc, extra map[string]MethodFunc) *Function {
	methods := maps.Clone(extra)
	if methods == nil {
		methods = make(map[string]MethodFunc)
	}
	methods["run"] = run
	return &Function{base: newBase(spec, types.ResourceFunction, methods)}
}

func (f *Function) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	method := inv.Method
	switch method {
	case "", "call", "__call__":
		method = "run"
	}
	fn, err := f.lookup(method)
	if err != nil {
		return nil, err
	}
	return fn(ctx, inv)
}

// Module is a stateless namespace of methods
type Module struct {
	base
}

// NewModule creates a module resource
func NewModule(spec *types.RemoteResource, methods map[string]MethodFunc) *Module {
	return &Module{base: newBase(spec, types.ResourceModule, methods)}
}

func (m *Module) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	fn, err := m.lookup(inv.Method)
	if err != nil {
		return nil, err
	}
	return fn(ctx, inv)
}

// Actor owns state; its methods run one at a time
type Actor struct {
	base
	mu sync.Mutex
}

// NewActor creates an actor resource
func NewActor(spec *types.RemoteResource, methods map[string]MethodFunc) *Actor {
	return &Actor{base: newBase(spec, types.ResourceActor, methods)}
}

func (a *Actor) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	fn, err := a.lookup(inv.Method)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn(ctx, inv)
}
