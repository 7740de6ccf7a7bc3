package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/corvid-labs/corvid/internal/worldstate"
	"github.com/corvid-labs/corvid/pkg/models"
)

// The model is stateless across calls; without this block it repeats the
// same action because the inputs look identical.

const (
	botActivityWindow   = 5 * time.Minute
	similarityThreshold = 0.7
	similaritySample    = 5
	similarityMinLen    = 20
	previewLen          = 160
)

// BotActivityContext is the derived anti-loop block.
type BotActivityContext struct {
	LastAction          *LastActionView             `json:"last_action,omitempty"`
	Channels            map[string]*ChannelActivity `json:"channels,omitempty"`
	AntiLoopInstruction string                      `json:"anti_loop_instruction,omitempty"`
}

// LastActionView compresses the previous action into a glanceable line.
type LastActionView struct {
	Kind              string  `json:"kind"`
	ParametersSummary string  `json:"parameters_summary,omitempty"`
	Success           bool    `json:"success"`
	ResultPreview     string  `json:"result_preview,omitempty"`
	Reasoning         string  `json:"reasoning,omitempty"`
	SecondsAgo        float64 `json:"seconds_ago"`
}

// ChannelActivity describes the agent's own recent behavior in one
// channel, with a recommendation for the next move.
type ChannelActivity struct {
	BotMessages             int     `json:"bot_messages"`
	SecondsSinceUserMessage float64 `json:"seconds_since_user_message"`
	HighBotActivity         bool    `json:"high_bot_activity"`
	NoRecentUserResponse    bool    `json:"no_recent_user_response"`
	RepetitiveContent       bool    `json:"repetitive_content"`
	Recommendation          string  `json:"recommendation"`
}

func (b *Builder) buildBotActivity(snap *worldstate.Snapshot, last *models.ActionRecord, id Identity, now time.Time) *BotActivityContext {
	ctx := &BotActivityContext{
		AntiLoopInstruction: antiLoopInstruction(last),
	}
	if last != nil {
		ctx.LastAction = lastActionView(last, now)
	}

	for key, ch := range snap.Channels {
		activity := channelActivity(ch, id, now)
		if activity == nil {
			continue
		}
		if ctx.Channels == nil {
			ctx.Channels = make(map[string]*ChannelActivity)
		}
		ctx.Channels[key] = activity
	}
	return ctx
}

// channelActivity returns nil for channels with no bot message inside
// the window; those need no warning.
func channelActivity(ch *models.Channel, id Identity, now time.Time) *ChannelActivity {
	cutoff := now.Add(-botActivityWindow)

	var botCount int
	var lastBot, lastUser time.Time
	var botContents []string

	for _, msg := range ch.RecentMessages {
		if isBotMessage(msg, id) {
			botContents = append(botContents, msg.Content)
			if msg.Timestamp.After(lastBot) {
				lastBot = msg.Timestamp
			}
			if msg.Timestamp.After(cutoff) {
				botCount++
			}
			continue
		}
		if msg.Timestamp.After(lastUser) {
			lastUser = msg.Timestamp
		}
	}
	if botCount == 0 {
		return nil
	}
	if len(botContents) > similaritySample {
		botContents = botContents[len(botContents)-similaritySample:]
	}

	noUser := lastUser.IsZero() || lastBot.After(lastUser)
	repetitive := hasRepetitiveContent(botContents)
	highBot := botCount >= 3

	activity := &ChannelActivity{
		BotMessages:             botCount,
		SecondsSinceUserMessage: -1,
		HighBotActivity:         highBot,
		NoRecentUserResponse:    noUser,
		RepetitiveContent:       repetitive,
	}
	if !lastUser.IsZero() {
		activity.SecondsSinceUserMessage = math.Round(now.Sub(lastUser).Seconds())
	}

	switch {
	case botCount >= 4 && noUser:
		activity.Recommendation = "PAUSE"
	case repetitive:
		activity.Recommendation = "VARY_RESPONSE"
	case noUser && botCount >= 2:
		activity.Recommendation = "WAIT"
	case highBot:
		activity.Recommendation = "MODERATE"
	default:
		activity.Recommendation = "NORMAL"
	}
	return activity
}

func isBotMessage(msg *models.Message, id Identity) bool {
	return msg.FromSelf || id.IsSelf(msg.SenderID)
}

// hasRepetitiveContent reports whether any two of the sampled messages
// share at least similarityThreshold of their tokens.
func hasRepetitiveContent(contents []string) bool {
	sets := make([]map[string]struct{}, 0, len(contents))
	for _, content := range contents {
		if len(content) < similarityMinLen {
			continue
		}
		sets = append(sets, tokenSet(content))
	}
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			if tokenOverlap(sets[i], sets[j]) >= similarityThreshold {
				return true
			}
		}
	}
	return false
}

func tokenSet(content string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// tokenOverlap is |intersection| over the smaller set so a short
// message repeated inside a longer one still registers.
func tokenOverlap(a, b map[string]struct{}) float64 {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	if len(small) == 0 {
		return 0
	}
	shared := 0
	for token := range small {
		if _, ok := large[token]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func lastActionView(rec *models.ActionRecord, now time.Time) *LastActionView {
	return &LastActionView{
		Kind:              rec.ActionKind,
		ParametersSummary: summarizeParams(rec.Parameters),
		Success:           rec.Success,
		ResultPreview:     previewJSON(rec.Result),
		Reasoning:         truncate(rec.Reasoning, previewLen),
		SecondsAgo:        math.Round(now.Sub(rec.Timestamp).Seconds()),
	}
}

func summarizeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return truncate(strings.Join(parts, ", "), previewLen)
}

func previewJSON(v map[string]any) string {
	if len(v) == 0 {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return truncate(string(raw), previewLen)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// antiLoopInstruction is produced deterministically from the last action
// so identical situations yield identical guidance.
func antiLoopInstruction(last *models.ActionRecord) string {
	if last == nil {
		return ""
	}
	if !last.Success {
		preview := previewJSON(last.Result)
		if preview == "" {
			preview = "no result detail"
		}
		return fmt.Sprintf("Your previous action (%s) failed: %s. Address the cause or choose a different action; do not retry it unchanged.", last.ActionKind, preview)
	}

	base := fmt.Sprintf("Do not repeat your previous action (%s). ", last.ActionKind)
	switch last.ActionKind {
	case "send_chat_message", "reply_to_chat_message":
		return base + "You just sent a message; wait for a response instead of sending another."
	case "send_social_post", "reply_to_social_post":
		return base + "You just posted; let the feed react before posting again."
	case "react_to_message", "like_post":
		return base + "You just reacted; repeated reactions read as noise."
	case "generate_image":
		return base + "You just generated media; attach or post it rather than generating more."
	case "expand_node":
		path, _ := last.Parameters["node_path"].(string)
		if path != "" {
			return base + fmt.Sprintf("You just expanded %s; analyze the information it revealed instead of expanding another node.", path)
		}
		return base + "You just expanded a node; analyze the information it revealed instead of expanding another node."
	case "collapse_node", "pin_node", "unpin_node", "refresh_node_summary":
		return base + "You just adjusted your view; act on the content rather than rearranging it again."
	case "wait":
		return base + "You chose to wait; act now only if something new has happened."
	default:
		return base + "Choose a different action unless new information clearly calls for the same one."
	}
}
