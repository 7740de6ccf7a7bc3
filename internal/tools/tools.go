// Package tools implements the action catalog the decision model can
// select from: the Tool contract, the registry with schema validation,
// and the executor that runs action plans against the world.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/corvid-labs/corvid/internal/corviderr"
)

// Group classifies tools for rate limiting and phase filtering.
type Group string

const (
	GroupChat     Group = "chat"
	GroupSocial   Group = "social"
	GroupMedia    Group = "media"
	GroupRooms    Group = "rooms"
	GroupNodes    Group = "nodes"
	GroupResearch Group = "research"
	GroupMemory   Group = "memory"
	GroupWait     Group = "wait"
)

// Messaging reports whether the group sends messages into a channel and
// is therefore subject to per-channel rate limits.
func (g Group) Messaging() bool {
	return g == GroupChat || g == GroupSocial
}

// ActionGroups lists every group except node control. Traditional-mode
// cycles and the action phase of a two-phase cycle advertise exactly
// these.
func ActionGroups() []Group {
	return []Group{GroupChat, GroupSocial, GroupMedia, GroupRooms, GroupResearch, GroupMemory, GroupWait}
}

// Tool is one executable action.
type Tool interface {
	// Name is the registry key and the action_type the model selects.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Group classifies the tool.
	Group() Group

	// Schema returns the JSON Schema for parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Expected failures are returned as a
	// failure Result with a nil error; a non-nil error means the tool
	// itself broke.
	Execute(ctx context.Context, params json.RawMessage, actx *ActionContext) (*Result, error)
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Result is the outcome of one tool execution. Data fields are merged
// into the recorded result map next to status and error.
type Result struct {
	Status string
	Error  string
	Data   map[string]any
}

// OK returns a success result carrying data.
func OK(data map[string]any) *Result {
	return &Result{Status: StatusSuccess, Data: data}
}

// Failf returns a failure result with a formatted reason.
func Failf(format string, args ...any) *Result {
	return &Result{Status: StatusFailure, Error: fmt.Sprintf(format, args...)}
}

// Succeeded reports whether the result is a success.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Record flattens the result into the map stored on an ActionRecord.
func (r *Result) Record() map[string]any {
	out := make(map[string]any, len(r.Data)+2)
	for k, v := range r.Data {
		out[k] = v
	}
	out["status"] = r.Status
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

// Definition is the provider-facing description of a tool, handed to
// the decision client so the advertised catalog matches the registry.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Registry holds tools and their compiled parameter validators.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger.With("component", "tools.registry"),
	}
}

// Register adds a tool, compiling its parameter schema. A tool with an
// uncompilable schema is a programming error and is rejected.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	compiled, err := jsonschema.CompileString(name, string(tool.Schema()))
	if err != nil {
		return corviderr.ErrValidation("tool schema does not compile", err).WithContext("tool", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
	r.schemas[name] = compiled
	r.logger.Debug("registered tool", "name", name, "group", tool.Group())
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ValidateParams checks params against the tool's compiled schema.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return corviderr.ErrUnknownTool(name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(normalizeForSchema(params)); err != nil {
		return corviderr.ErrValidation("parameters do not match tool schema", err).WithContext("tool", name)
	}
	return nil
}

// Definitions lists tools in registration order, optionally filtered to
// the given groups.
func (r *Registry) Definitions(groups ...Group) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[Group]bool, len(groups))
	for _, g := range groups {
		wanted[g] = true
	}

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		if len(wanted) > 0 && !wanted[tool.Group()] {
			continue
		}
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			continue
		}
		defs = append(defs, Definition{
			Name:        name,
			Description: tool.Description(),
			Schema:      schema,
		})
	}
	return defs
}

// Names returns registered tool names, sorted, optionally filtered.
func (r *Registry) Names(groups ...Group) []string {
	defs := r.Definitions(groups...)
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// normalizeForSchema round-trips params through encoding/json so typed
// values (ints from tests, time values in metadata) become the plain
// shapes the validator expects.
func normalizeForSchema(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return params
	}
	return out
}

// RegisterBuiltins installs the full action catalog.
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		&SendChatMessageTool{},
		&ReplyToChatMessageTool{},
		&ReactToMessageTool{},
		&SendSocialPostTool{},
		&ReplyToSocialPostTool{},
		&LikePostTool{},
		&FollowUserTool{},
		&GenerateImageTool{},
		&DescribeImageTool{},
		&JoinRoomTool{},
		&LeaveRoomTool{},
		&AcceptInviteTool{},
		&DeclineInviteTool{},
		&ExpandNodeTool{},
		&CollapseNodeTool{},
		&PinNodeTool{},
		&UnpinNodeTool{},
		&RefreshNodeSummaryTool{},
		&GetExpansionStatusTool{},
		&SearchPostsTool{},
		&GetUserProfileTool{},
		&StoreMemoryTool{},
		&WaitTool{},
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
