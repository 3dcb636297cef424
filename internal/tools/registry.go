// Package tools is the registry of functions the speech model may call during
// a conversation.
//
// Each function is a capability: a [Definition] (name, description, JSON
// Schema for its parameters) plus a [Handler]. Functions are registered
// in-process with [Registry.Register] or imported from a Model Context
// Protocol server with [Registry.ImportMCPServer]. [Registry.Invoke] is the
// single entry point used by the realtime client; it never panics and never
// returns an unstructured failure: every error is an [*ExecutionError] that
// [FailureOutput] turns into a JSON payload for the model.
//
// All methods are safe for concurrent use.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrWong99/callrelay/internal/observe"
)

// defaultTimeout bounds a single invocation when the function declares none.
const defaultTimeout = 10 * time.Second

// ErrUnknownFunction is wrapped by the [*ExecutionError] returned when no
// function with the requested name is registered.
var ErrUnknownFunction = errors.New("unsupported function")

// ExecutionError reports a failed invocation: unknown name, malformed or
// schema-violating arguments, handler error, timeout or panic.
type ExecutionError struct {
	Function string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("function %s: %v", e.Function, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Definition is the public descriptor of a function as offered to the model
// and listed by the HTTP layer.
type Definition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Handler executes a function. args is a JSON value that already passed
// schema validation. The returned string is sent to the model verbatim and
// should be JSON.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Function is a registrable capability.
type Function struct {
	Definition Definition
	Handler    Handler

	// Timeout bounds a single invocation. Defaults to 10s.
	Timeout time.Duration
}

type entry struct {
	fn     Function
	schema *jsonschema.Schema
	source string
}

// Option configures a [Registry].
type Option func(*Registry)

// WithMetrics records invocation counts and latencies on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry maps function names to capabilities. The zero value is not
// usable; create instances with [New].
type Registry struct {
	mu      sync.RWMutex
	fns     map[string]entry
	order   []string
	servers map[string]*mcpsdk.ClientSession

	client  *mcpsdk.Client
	metrics *observe.Metrics
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		fns:     make(map[string]entry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "callrelay", Version: "1.0.0"},
			nil,
		),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Register adds fn, replacing any function with the same name. The parameter
// schema is compiled up front so that a broken schema fails at startup rather
// than mid-call.
func (r *Registry) Register(fn Function) error {
	if fn.Definition.Name == "" {
		return fmt.Errorf("tools: function must have a non-empty name")
	}
	if fn.Handler == nil {
		return fmt.Errorf("tools: function %q must have a non-nil handler", fn.Definition.Name)
	}
	schema, err := compileSchema(fn.Definition.Name, fn.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tools: function %q: %w", fn.Definition.Name, err)
	}
	r.add(fn, schema, "builtin")
	return nil
}

func (r *Registry) add(fn Function, schema *jsonschema.Schema, source string) {
	fn.Definition.Type = "function"
	if fn.Definition.Parameters == nil {
		fn.Definition.Parameters = map[string]any{"type": "object"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[fn.Definition.Name]; !exists {
		r.order = append(r.order, fn.Definition.Name)
	}
	r.fns[fn.Definition.Name] = entry{fn: fn, schema: schema, source: source}
}

// Definitions returns every registered function in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.fns[name].fn.Definition)
	}
	return out
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fns)
}

// Invoke runs the named function with a JSON-encoded argument string. An
// empty string is treated as "{}". Every failure is an [*ExecutionError].
func (r *Registry) Invoke(ctx context.Context, name, args string) (output string, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		switch {
		case errors.Is(err, ErrUnknownFunction):
			status = "unknown"
		case err != nil:
			status = "error"
		}
		r.metrics.RecordFunctionCall(ctx, name, status, time.Since(start))
	}()

	r.mu.RLock()
	e, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return "", &ExecutionError{Function: name, Err: ErrUnknownFunction}
	}

	if args == "" {
		args = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		return "", &ExecutionError{Function: name, Err: fmt.Errorf("invalid JSON arguments: %w", err)}
	}
	if e.schema != nil {
		if err := e.schema.Validate(decoded); err != nil {
			return "", &ExecutionError{Function: name, Err: fmt.Errorf("arguments do not match schema: %w", err)}
		}
	}

	timeout := e.fn.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err = safeCall(callCtx, e.fn.Handler, json.RawMessage(args))
	if err != nil {
		return "", &ExecutionError{Function: name, Err: err}
	}
	return output, nil
}

// safeCall converts a handler panic into an error.
func safeCall(ctx context.Context, h Handler, args json.RawMessage) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("tools: handler panicked", "panic", p)
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, args)
}

// FailureOutput renders err as the structured payload sent to the model in
// place of a result.
func FailureOutput(err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// Close disconnects every imported MCP server and clears the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, sess := range r.servers {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tools: close mcp server %q: %w", name, err))
		}
		delete(r.servers, name)
	}
	r.fns = make(map[string]entry)
	r.order = nil
	return errors.Join(errs...)
}

// compileSchema compiles a parameter schema held as a decoded JSON object.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	url := "mem://functions/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
