package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// validNodePath keeps the model inside the dotted node namespace so a
// hallucinated path does not grow junk node state.
func validNodePath(path string) bool {
	for _, prefix := range []string{"channels.", "users.", "threads.", "system."} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return true
		}
	}
	return false
}

func nodeManagerMissing(actx *ActionContext) *Result {
	if actx.Nodes == nil {
		return Failf("node mode is not active")
	}
	return nil
}

type nodePathParams struct {
	NodePath string `json:"node_path" jsonschema:"required,description=Dotted node path such as channels.matrix.!room or users.farcaster.1234"`
}

// ExpandNodeTool expands a node into full detail on the next payload.
type ExpandNodeTool struct{}

func (t *ExpandNodeTool) Name() string { return "expand_node" }

func (t *ExpandNodeTool) Description() string {
	return "Expand a world-state node so the next payload shows its full detail instead of a summary."
}

func (t *ExpandNodeTool) Group() Group { return GroupNodes }

func (t *ExpandNodeTool) Schema() json.RawMessage {
	return reflectSchema(&nodePathParams{})
}

func (t *ExpandNodeTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p nodePathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if fail := nodeManagerMissing(actx); fail != nil {
		return fail, nil
	}
	if !validNodePath(p.NodePath) {
		return Failf("invalid node path %q", p.NodePath), nil
	}

	evicted := actx.Nodes.Expand(p.NodePath)
	data := map[string]any{"node_path": p.NodePath, "expanded": true}
	if evicted != "" {
		data["evicted"] = evicted
	}
	return OK(data), nil
}

// CollapseNodeTool collapses an expanded node back to its summary.
type CollapseNodeTool struct{}

func (t *CollapseNodeTool) Name() string { return "collapse_node" }

func (t *CollapseNodeTool) Description() string {
	return "Collapse an expanded node back to summary form to free payload budget."
}

func (t *CollapseNodeTool) Group() Group { return GroupNodes }

func (t *CollapseNodeTool) Schema() json.RawMessage {
	return reflectSchema(&nodePathParams{})
}

func (t *CollapseNodeTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p nodePathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if fail := nodeManagerMissing(actx); fail != nil {
		return fail, nil
	}

	if !actx.Nodes.Collapse(p.NodePath) {
		return Failf("node %s is not expanded", p.NodePath), nil
	}
	return OK(map[string]any{"node_path": p.NodePath, "expanded": false}), nil
}

// PinNodeTool exempts a node from auto-collapse.
type PinNodeTool struct{}

func (t *PinNodeTool) Name() string { return "pin_node" }

func (t *PinNodeTool) Description() string {
	return "Pin a node so capacity pressure never auto-collapses it. Pins survive restarts."
}

func (t *PinNodeTool) Group() Group { return GroupNodes }

func (t *PinNodeTool) Schema() json.RawMessage {
	return reflectSchema(&nodePathParams{})
}

func (t *PinNodeTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p nodePathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if fail := nodeManagerMissing(actx); fail != nil {
		return fail, nil
	}
	if !validNodePath(p.NodePath) {
		return Failf("invalid node path %q", p.NodePath), nil
	}

	actx.Nodes.Pin(p.NodePath)
	return OK(map[string]any{"node_path": p.NodePath, "pinned": true}), nil
}

// UnpinNodeTool clears a pin.
type UnpinNodeTool struct{}

func (t *UnpinNodeTool) Name() string { return "unpin_node" }

func (t *UnpinNodeTool) Description() string {
	return "Unpin a node, making it evictable under capacity pressure again."
}

func (t *UnpinNodeTool) Group() Group { return GroupNodes }

func (t *UnpinNodeTool) Schema() json.RawMessage {
	return reflectSchema(&nodePathParams{})
}

func (t *UnpinNodeTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p nodePathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if fail := nodeManagerMissing(actx); fail != nil {
		return fail, nil
	}

	actx.Nodes.Unpin(p.NodePath)
	return OK(map[string]any{"node_path": p.NodePath, "pinned": false}), nil
}

// RefreshNodeSummaryTool forces a summary rebuild on the next payload.
type RefreshNodeSummaryTool struct{}

func (t *RefreshNodeSummaryTool) Name() string { return "refresh_node_summary" }

func (t *RefreshNodeSummaryTool) Description() string {
	return "Mark a node summary stale so the next payload regenerates it from current data."
}

func (t *RefreshNodeSummaryTool) Group() Group { return GroupNodes }

func (t *RefreshNodeSummaryTool) Schema() json.RawMessage {
	return reflectSchema(&nodePathParams{})
}

func (t *RefreshNodeSummaryTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p nodePathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if fail := nodeManagerMissing(actx); fail != nil {
		return fail, nil
	}
	if !validNodePath(p.NodePath) {
		return Failf("invalid node path %q", p.NodePath), nil
	}

	actx.Nodes.RefreshSummary(p.NodePath)
	return OK(map[string]any{"node_path": p.NodePath, "refresh_queued": true}), nil
}

type getExpansionStatusParams struct{}

// GetExpansionStatusTool reports the expanded and pinned sets.
type GetExpansionStatusTool struct{}

func (t *GetExpansionStatusTool) Name() string { return "get_expansion_status" }

func (t *GetExpansionStatusTool) Description() string {
	return "List the currently expanded and pinned nodes and the expansion capacity."
}

func (t *GetExpansionStatusTool) Group() Group { return GroupNodes }

func (t *GetExpansionStatusTool) Schema() json.RawMessage {
	return reflectSchema(&getExpansionStatusParams{})
}

func (t *GetExpansionStatusTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	if fail := nodeManagerMissing(actx); fail != nil {
		return fail, nil
	}

	status := actx.Nodes.Status()
	return OK(map[string]any{
		"expanded": status.Expanded,
		"pinned":   status.Pinned,
		"capacity": status.Capacity,
	}), nil
}
