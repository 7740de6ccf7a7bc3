package decision

import (
	"fmt"
	"strings"

	"github.com/corvid-labs/corvid/pkg/models"
)

// Persona is the static identity block of the system prompt.
type Persona struct {
	Name          string
	Bio           string
	Style         string
	MatrixUserID  string
	FarcasterName string
	FarcasterFID  int64
}

// PromptOptions holds the prompt sections that vary per cycle.
type PromptOptions struct {
	// Mode is the payload mode: "traditional" or "node_based".
	Mode string

	// Platform selects the platform-specific section. Empty includes both.
	Platform models.Platform

	Tools      []ToolDef
	MaxActions int

	// ExplorationPhase restricts the contract to node navigation.
	ExplorationPhase bool

	ExtraSections []PromptSection
}

// PromptSection is an extra labeled block appended before the tool list.
type PromptSection struct {
	Label   string
	Content string
}

// SummarySystemPrompt drives the summary profile when refreshing
// collapsed-node summaries.
const SummarySystemPrompt = "You compress world-state data for an autonomous social agent. Reply with one or two plain sentences capturing who is active, what changed, and anything that needs a response. No preamble, no JSON."

// BuildSystemPrompt assembles the modular system prompt. The tool list
// rendered here must match the tools advertised on the request itself.
func BuildSystemPrompt(persona Persona, opts PromptOptions) string {
	lines := make([]string, 0, 12)

	lines = append(lines, identitySection(persona))
	lines = append(lines, interactionSection(persona))
	lines = append(lines, worldStateSection(opts.Mode))

	if section := platformSection(opts.Platform); section != "" {
		lines = append(lines, section)
	}

	if opts.ExplorationPhase {
		lines = append(lines, "Exploration phase:\nYou are deciding what to look at, not what to do. Use the node tools to expand, collapse, or pin the parts of the world you need. When you have enough context, include the token EXPLORATION_COMPLETE in your reasoning and select no further node actions.")
	}

	for _, section := range opts.ExtraSections {
		label := strings.TrimSpace(section.Label)
		content := strings.TrimSpace(section.Content)
		if label == "" || content == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s:\n%s", label, content))
	}

	if section := toolsSection(opts.Tools); section != "" {
		lines = append(lines, section)
	}

	lines = append(lines, responseContract(opts.MaxActions))
	lines = append(lines, "The payload's bot_activity_context includes an anti_loop_instruction based on your recent behavior. Follow it.")
	lines = append(lines, "Do not post secrets, credentials, or private conversation content to public channels. Do not impersonate other users. Selecting no actions is always valid.")

	return strings.TrimSpace(strings.Join(lines, "\n\n"))
}

func identitySection(p Persona) string {
	name := p.Name
	if name == "" {
		name = "an autonomous agent"
	}
	parts := []string{fmt.Sprintf("You are %s, an autonomous agent observing and acting on Matrix and Farcaster.", name)}
	if p.Bio != "" {
		parts = append(parts, p.Bio)
	}
	var ids []string
	if p.MatrixUserID != "" {
		ids = append(ids, fmt.Sprintf("on Matrix you are %s", p.MatrixUserID))
	}
	if p.FarcasterName != "" {
		if p.FarcasterFID > 0 {
			ids = append(ids, fmt.Sprintf("on Farcaster you are @%s (fid %d)", p.FarcasterName, p.FarcasterFID))
		} else {
			ids = append(ids, fmt.Sprintf("on Farcaster you are @%s", p.FarcasterName))
		}
	}
	if len(ids) > 0 {
		parts = append(parts, "Identities: "+strings.Join(ids, "; ")+". Messages from these identities are your own; never answer yourself.")
	}
	return strings.Join(parts, " ")
}

func interactionSection(p Persona) string {
	if p.Style != "" {
		return "Interaction style:\n" + p.Style
	}
	return "Interaction style:\nWrite like a person in the room, not a support bot. Keep messages short and specific to what was actually said. Silence is better than filler; you do not need to respond to everything."
}

func worldStateSection(mode string) string {
	if mode == "node_based" {
		return "World state:\nThe user message is a JSON view of the world organized as nodes with dotted paths: channels.<platform>.<id>, users.<platform>.<id>, threads.<root_message_id>, and system.rate_limits, system.notifications, system.action_history. Expanded nodes appear with full data under expanded_nodes. Every node has an entry in collapsed_node_summaries; data_changed means the summary is stale. expansion_status shows how many nodes can be expanded at once. Timestamps are unix seconds."
	}
	return "World state:\nThe user message is a JSON snapshot. Channels are keyed \"platform:id\"; the current focus channel carries full recent messages, others carry activity summaries. action_history lists your recent actions with results. Timestamps are unix seconds."
}

func platformSection(platform models.Platform) string {
	matrix := "Matrix:\nRooms are addressed by IDs like !room:server. Replies reference the event ID of the message being answered. Some rooms are end-to-end encrypted; missing messages may simply not have decrypted yet. Invites appear under system notifications and can be accepted or declined."
	farcaster := "Farcaster:\nPosts are casts; users are identified by fid and username. Replies attach to a parent cast hash. Likes and follows are lightweight signals; use them instead of a reply when a reply would add nothing."

	switch platform {
	case models.PlatformMatrix:
		return matrix
	case models.PlatformFarcaster:
		return farcaster
	case "":
		return matrix + "\n\n" + farcaster
	}
	return ""
}

func toolsSection(tools []ToolDef) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools:")
	for _, tool := range tools {
		b.WriteString("\n- ")
		b.WriteString(tool.Name)
		if tool.Description != "" {
			b.WriteString(": ")
			b.WriteString(tool.Description)
		}
	}
	return b.String()
}

func responseContract(maxActions int) string {
	if maxActions <= 0 {
		maxActions = DefaultConfig().MaxActions
	}
	return fmt.Sprintf(`Respond with a single JSON object and nothing else:
{
  "observations": "what you noticed in the world state",
  "potential_actions": ["options you considered"],
  "selected_actions": [
    {"action_type": "<tool name>", "parameters": {}, "reasoning": "why this action", "priority": 5}
  ],
  "reasoning": "overall reasoning for this cycle"
}
Priority runs 1 (lowest) to 10 (highest). Select at most %d actions. An empty selected_actions array means you choose to do nothing this cycle.`, maxActions)
}
