package decision

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/corvid-labs/corvid/pkg/models"
)

const defaultActionReasoning = "No reasoning provided"

// Models wrap JSON in prose, fences, or truncate it mid-object. The
// ladder tries progressively more forgiving strategies and never
// returns an error: a response nothing can be read from becomes an
// empty decision carrying a diagnostic in its reasoning.
const maxBraceCandidates = 64

var (
	fenceRE        = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	observationsRE = regexp.MustCompile(`"observations"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	reasoningRE    = regexp.MustCompile(`"reasoning"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	actionTypeRE   = regexp.MustCompile(`"action_type"\s*:\s*"([^"]+)"`)
)

// Extract parses model output into a DecisionResult.
func Extract(text string) *models.DecisionResult {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return emptyDecision("Decision parse failed: model returned no text.")
	}

	if d, ok := parseDecision(trimmed); ok {
		return d
	}

	// Bare array: sometimes the model returns selected_actions alone.
	if strings.HasPrefix(trimmed, "[") {
		if actions, ok := parseActionArray(trimmed); ok {
			return &models.DecisionResult{SelectedActions: actions}
		}
	}

	for _, block := range fencedBlocks(trimmed) {
		if d, ok := parseDecision(block); ok {
			return d
		}
	}

	for _, candidate := range balancedObjects(trimmed) {
		if d, ok := parseDecision(candidate); ok {
			return d
		}
	}

	if repaired := repairTruncated(trimmed); repaired != "" {
		if d, ok := parseDecision(repaired); ok {
			return d
		}
	}

	if d, ok := reconstruct(trimmed); ok {
		return d
	}

	return emptyDecision("Decision parse failed: no decision object found in model output.")
}

// rawDecision keeps every field loose so one malformed field cannot
// sink the rest of the object.
type rawDecision struct {
	Observations     any `json:"observations"`
	PotentialActions any `json:"potential_actions"`
	SelectedActions  any `json:"selected_actions"`
	Reasoning        any `json:"reasoning"`
}

func (r *rawDecision) known() bool {
	return r.Observations != nil || r.PotentialActions != nil || r.SelectedActions != nil || r.Reasoning != nil
}

func (r *rawDecision) result() *models.DecisionResult {
	return &models.DecisionResult{
		Observations:     flattenText(r.Observations),
		PotentialActions: stringList(r.PotentialActions),
		SelectedActions:  convertActions(r.SelectedActions),
		Reasoning:        flattenText(r.Reasoning),
	}
}

// parseDecision accepts a JSON object with at least one expected key,
// tolerating trailing prose after the closing brace. Strict parsing is
// tried first; JSON5 catches the trailing commas, comments, and
// single-quoted strings models like to emit.
func parseDecision(s string) (*models.DecisionResult, bool) {
	var raw rawDecision
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&raw); err != nil {
		raw = rawDecision{}
		if err := json5.Unmarshal([]byte(s), &raw); err != nil {
			return nil, false
		}
	}
	if !raw.known() {
		return nil, false
	}
	return raw.result(), true
}

func parseActionArray(s string) ([]models.ActionPlan, bool) {
	var items []map[string]any
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&items); err != nil {
		return nil, false
	}
	actions := make([]models.ActionPlan, 0, len(items))
	for _, m := range items {
		if _, ok := m["action_type"]; !ok {
			continue
		}
		actions = append(actions, convertAction(m))
	}
	if len(actions) == 0 {
		return nil, false
	}
	return actions, true
}

func fencedBlocks(s string) []string {
	matches := fenceRE.FindAllStringSubmatch(s, -1)
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		if block := strings.TrimSpace(m[1]); block != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// balancedObjects collects candidate objects from every opening brace,
// largest first, so a wrapper object is tried before anything nested.
func balancedObjects(s string) []string {
	var out []string
	for i := 0; i < len(s) && len(out) < maxBraceCandidates; i++ {
		if s[i] != '{' {
			continue
		}
		end, ok := matchBrace(s, i)
		if !ok {
			continue
		}
		out = append(out, s[i:end+1])
	}
	sort.SliceStable(out, func(a, b int) bool { return len(out[a]) > len(out[b]) })
	return out
}

// matchBrace returns the index of the brace closing s[open], skipping
// string literals and escapes.
func matchBrace(s string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// repairTruncated takes everything from the first opening brace, closes
// a dangling string literal, drops a trailing comma, and appends the
// missing closers in nesting order.
func repairTruncated(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	body := strings.TrimRight(s[start:], "` \t\r\n")

	var closers []byte
	inString := false
	escaped := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			closers = append(closers, '}')
		case '[':
			closers = append(closers, ']')
		case '}', ']':
			if len(closers) > 0 && closers[len(closers)-1] == c {
				closers = closers[:len(closers)-1]
			}
		}
	}
	if len(closers) == 0 {
		return ""
	}

	if inString {
		body += `"`
	} else {
		body = strings.TrimRight(body, " \t\r\n")
		body = strings.TrimSuffix(body, ",")
	}
	for i := len(closers) - 1; i >= 0; i-- {
		body += string(closers[i])
	}
	return body
}

// reconstruct scrapes individual fields out of text no JSON parser can
// take. Each recovered action gets defaults for everything but its type.
func reconstruct(s string) (*models.DecisionResult, bool) {
	result := &models.DecisionResult{SelectedActions: []models.ActionPlan{}}
	found := false

	if m := observationsRE.FindStringSubmatch(s); m != nil {
		result.Observations = unquoteField(m[1])
		found = true
	}
	if m := reasoningRE.FindStringSubmatch(s); m != nil {
		result.Reasoning = unquoteField(m[1])
		found = true
	}
	for _, m := range actionTypeRE.FindAllStringSubmatch(s, -1) {
		result.SelectedActions = append(result.SelectedActions, convertAction(map[string]any{
			"action_type": m[1],
		}))
		found = true
	}

	if !found {
		return nil, false
	}
	return result, true
}

func unquoteField(escaped string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+escaped+`"`), &out); err != nil {
		return escaped
	}
	return out
}

func emptyDecision(diagnostic string) *models.DecisionResult {
	return &models.DecisionResult{
		SelectedActions: []models.ActionPlan{},
		Reasoning:       diagnostic,
	}
}

func convertActions(v any) []models.ActionPlan {
	items, _ := v.([]any)
	out := make([]models.ActionPlan, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, convertAction(m))
	}
	return out
}

func convertAction(m map[string]any) models.ActionPlan {
	plan := models.ActionPlan{
		Priority:   5,
		Reasoning:  defaultActionReasoning,
		Parameters: map[string]any{},
	}
	if s, ok := m["action_type"].(string); ok {
		plan.ActionType = s
	}
	if p, ok := m["parameters"].(map[string]any); ok {
		plan.Parameters = p
	}
	if r, ok := m["reasoning"].(string); ok && r != "" {
		plan.Reasoning = r
	}
	if n, ok := toInt(m["priority"]); ok {
		plan.Priority = clampPriority(n)
	}
	return plan
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func clampPriority(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// flattenText coerces a loose JSON value into prose. Arrays join line
// by line; objects fall back to their compact encoding.
func flattenText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := flattenText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := flattenText(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
