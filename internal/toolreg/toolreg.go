// Package toolreg implements the Tool Registry & Validator (C6): JSON
// Schema validation of tool arguments, role-based access gating, and
// synchronous execution with timeout cancellation. Grounded on the
// teacher's runtime/agent/tools (TypeSpec/ToolSpec/FieldIssue shapes) and
// runtime/toolregistry/executor (the await-with-timeout execution
// contract) packages, and features/policy/basic for role/tag gating.
package toolreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/telemetry"
)

// Sentinel errors, mirroring the teacher's toolerrors taxonomy.
var (
	ErrUnknownTool   = errors.New("toolreg: unknown tool")
	ErrRoleDenied    = errors.New("toolreg: role not permitted to call tool")
	ErrInvalidArgs   = errors.New("toolreg: arguments fail schema validation")
	ErrNoHandler     = errors.New("toolreg: no handler registered for tool")
	ErrExecTimeout   = errors.New("toolreg: tool execution timed out")
)

// FieldIssue is one JSON Schema validation failure, grounded on the
// teacher's tools.FieldIssue shape.
type FieldIssue struct {
	Field      string
	Constraint string
}

// ValidationError wraps one or more FieldIssues.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("toolreg: %d validation issue(s)", len(e.Issues))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgs }

// Handler executes one tool call and returns its canonical JSON result.
type Handler func(ctx context.Context, argsJSON string) (resultJSON string, err error)

// Registry validates tool calls against their JSON Schema and dispatches
// them to registered handlers.
type Registry struct {
	cfg      *config.Registry
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
	logger   telemetry.Logger
}

// New builds a Registry backed by the config registry's tool definitions.
func New(cfg *config.Registry, logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.Noop{}
	}
	return &Registry{cfg: cfg, handlers: map[string]Handler{}, schemas: map[string]*jsonschema.Schema{}, logger: logger}
}

// RegisterHandler binds a Handler to toolID, compiling its JSON Schema
// eagerly so schema errors surface at wiring time, not first call.
func (r *Registry) RegisterHandler(toolID string, h Handler) error {
	t, err := r.cfg.Tool(toolID)
	if err != nil {
		return err
	}
	schema, err := compileSchema(toolID, t.ParameterSchema)
	if err != nil {
		return err
	}
	r.handlers[toolID] = h
	r.schemas[toolID] = schema
	return nil
}

func compileSchema(toolID string, raw map[string]any) (*jsonschema.Schema, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "mem://" + toolID + ".json"
	doc, err := jsonschema.UnmarshalJSON(bytesReader(b))
	if err != nil {
		return nil, err
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Validate checks argsJSON against toolID's parameter schema, returning a
// *ValidationError listing every violated constraint.
func (r *Registry) Validate(toolID, argsJSON string) error {
	schema, ok := r.schemas[toolID]
	if !ok {
		return ErrUnknownTool
	}
	inst, err := jsonschema.UnmarshalJSON(bytesReader([]byte(argsJSON)))
	if err != nil {
		return &ValidationError{Issues: []FieldIssue{{Field: "$", Constraint: "invalid JSON"}}}
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Issues: flattenIssues(verr)}
		}
		return &ValidationError{Issues: []FieldIssue{{Field: "$", Constraint: err.Error()}}}
	}
	return nil
}

func flattenIssues(verr *jsonschema.ValidationError) []FieldIssue {
	var out []FieldIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		loc := "$"
		if len(e.InstanceLocation) > 0 {
			loc = "$/" + joinPath(e.InstanceLocation)
		}
		out = append(out, FieldIssue{Field: loc, Constraint: e.Error()})
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}

func joinPath(parts []string) string {
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += "/"
		}
		s += p
	}
	return s
}

// RoleAllowed reports whether role may invoke toolID, per the tool's
// allowed_roles list (empty means unrestricted).
func (r *Registry) RoleAllowed(toolID, role string) (bool, error) {
	t, err := r.cfg.Tool(toolID)
	if err != nil {
		return false, err
	}
	if len(t.AllowedRoles) == 0 {
		return true, nil
	}
	for _, allowed := range t.AllowedRoles {
		if allowed == role {
			return true, nil
		}
	}
	return false, nil
}

// RequiresApproval reports whether toolID must go through the Approval
// Coordinator before execution.
func (r *Registry) RequiresApproval(toolID string) (bool, error) {
	t, err := r.cfg.Tool(toolID)
	if err != nil {
		return false, err
	}
	return t.RequiresApproval, nil
}

// Execute validates argsJSON, checks role access, and synchronously runs
// toolID's handler with a deadline derived from the tool's configured
// timeout (default 30s), returning ErrExecTimeout if it is exceeded.
func (r *Registry) Execute(ctx context.Context, toolID, role, argsJSON string) (string, error) {
	t, err := r.cfg.Tool(toolID)
	if err != nil {
		return "", ErrUnknownTool
	}
	allowed, err := r.RoleAllowed(toolID, role)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", ErrRoleDenied
	}
	if err := r.Validate(toolID, argsJSON); err != nil {
		return "", err
	}
	h, ok := r.handlers[toolID]
	if !ok {
		return "", ErrNoHandler
	}
	timeout := time.Duration(t.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan execResult, 1)
	go func() {
		res, err := h(execCtx, argsJSON)
		resultCh <- execResult{res, err}
	}()
	select {
	case r := <-resultCh:
		return r.result, r.err
	case <-execCtx.Done():
		r.logger.Warn(ctx, "tool execution timed out", "tool_id", toolID)
		return "", ErrExecTimeout
	}
}

type execResult struct {
	result string
	err    error
}
