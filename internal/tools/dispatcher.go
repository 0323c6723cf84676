// Package tools routes model function calls to their handlers. Each tool
// declares a JSON schema for its arguments, an execution timeout, and
// optionally a result-cache TTL. The registry is fixed at construction;
// calls naming an unknown tool fail without touching any handler.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/salonkit/concierge/internal/cache"
	"github.com/salonkit/concierge/internal/infra"
	"github.com/salonkit/concierge/internal/observability"
)

// ErrUnknownTool is returned for calls naming a tool outside the registry.
var ErrUnknownTool = errors.New("unknown tool")

// CallContext identifies the conversation a tool call belongs to.
type CallContext struct {
	ConversationID string
	UserID         int64
}

// Handler executes one tool call with already-validated arguments.
type Handler func(ctx context.Context, call CallContext, args json.RawMessage) (any, error)

// Definition declares a tool the model may invoke.
type Definition struct {
	Name        string
	Description string
	// Schema is the JSON schema for the arguments object.
	Schema string
	// Timeout bounds one execution. Zero means DefaultTimeout.
	Timeout time.Duration
	// Cacheable results are replayed for identical arguments until the
	// TTL lapses. Only safe for read-only tools.
	Cacheable bool
	CacheTTL  time.Duration

	Handler Handler
}

// DefaultTimeout bounds tool execution when a definition does not set one.
const DefaultTimeout = 15 * time.Second

type tool struct {
	def    Definition
	schema *jsonschema.Schema
}

// Dispatcher validates and executes tool calls against a fixed registry.
type Dispatcher struct {
	tools   map[string]*tool
	order   []string
	cache   *cache.TTLCache
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDispatcher compiles every definition's schema and builds the registry.
// A schema that does not compile fails construction rather than the first
// call that hits it.
func NewDispatcher(defs []Definition, c *cache.TTLCache, logger *observability.Logger, metrics *observability.Metrics) (*Dispatcher, error) {
	d := &Dispatcher{
		tools:   make(map[string]*tool, len(defs)),
		cache:   c,
		logger:  logger,
		metrics: metrics,
	}
	for _, def := range defs {
		if def.Name == "" || def.Handler == nil {
			return nil, fmt.Errorf("tool definition missing name or handler")
		}
		if _, dup := d.tools[def.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", def.Name)
		}
		compiled, err := jsonschema.CompileString("tool_"+def.Name, def.Schema)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", def.Name, err)
		}
		if def.Timeout <= 0 {
			def.Timeout = DefaultTimeout
		}
		d.tools[def.Name] = &tool{def: def, schema: compiled}
		d.order = append(d.order, def.Name)
	}
	return d, nil
}

// FunctionSpec is the tool advertisement sent during session setup.
type FunctionSpec struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Specs returns the registry in registration order for the session
// handshake.
func (d *Dispatcher) Specs() []FunctionSpec {
	specs := make([]FunctionSpec, 0, len(d.order))
	for _, name := range d.order {
		t := d.tools[name]
		specs = append(specs, FunctionSpec{
			Type:        "function",
			Name:        t.def.Name,
			Description: t.def.Description,
			Parameters:  json.RawMessage(t.def.Schema),
		})
	}
	return specs
}

// Has reports whether name is registered.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.tools[name]
	return ok
}

// Dispatch validates the arguments and runs the named tool. The returned
// payload is always valid JSON suitable for a function_call_output item;
// handler failures are reported in-band so the model can react to them,
// while the error return carries the same failure for logging and metrics.
func (d *Dispatcher) Dispatch(ctx context.Context, call CallContext, name string, args json.RawMessage) (json.RawMessage, error) {
	t, ok := d.tools[name]
	if !ok {
		d.metrics.ToolCallCounter.WithLabelValues(name, "error").Inc()
		return errorPayload(fmt.Sprintf("unknown tool %q", name)),
			fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := d.validate(t, args); err != nil {
		d.metrics.ToolCallCounter.WithLabelValues(name, "error").Inc()
		return errorPayload(err.Error()), infra.NewError(infra.ErrCodeInvalidInput, "tool arguments rejected", err)
	}

	cacheKey := ""
	if t.def.Cacheable {
		cacheKey = resultCacheKey(name, args)
		if v, hit := d.cache.Get(cacheKey); hit {
			d.metrics.ToolCallCounter.WithLabelValues(name, "cached").Inc()
			return v.(json.RawMessage), nil
		}
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, t.def.Timeout)
	defer cancel()

	result, err := t.def.Handler(execCtx, call, args)
	d.metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			status = "timeout"
		}
		d.metrics.ToolCallCounter.WithLabelValues(name, status).Inc()
		d.logger.Warn(ctx, "tool call failed", "tool", name, "status", status, "error", err)
		return errorPayload(err.Error()), err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		d.metrics.ToolCallCounter.WithLabelValues(name, "error").Inc()
		return errorPayload("tool produced unencodable result"),
			infra.NewError(infra.ErrCodeInternal, "encode tool result", err)
	}

	if cacheKey != "" {
		d.cache.Put(cacheKey, json.RawMessage(payload), t.def.CacheTTL)
	}
	d.metrics.ToolCallCounter.WithLabelValues(name, "success").Inc()
	d.logger.Debug(ctx, "tool call complete", "tool", name, "duration", time.Since(start))
	return payload, nil
}

func (d *Dispatcher) validate(t *tool, args json.RawMessage) error {
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return t.schema.Validate(payload)
}

// resultCacheKey re-encodes the arguments so whitespace and key-order
// variants of the same call share one cache entry. Arguments reach this
// point already validated as JSON.
func resultCacheKey(name string, args json.RawMessage) string {
	var payload any
	if err := json.Unmarshal(args, &payload); err == nil {
		if canonical, err := json.Marshal(payload); err == nil {
			args = canonical
		}
	}
	return "tool:" + name + ":" + string(args)
}

func errorPayload(msg string) json.RawMessage {
	payload, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return payload
}
