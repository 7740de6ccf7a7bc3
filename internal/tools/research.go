package tools

import (
	"context"
	"encoding/json"

	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/pkg/models"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	searchSnippetLen   = 280
)

type searchPostsParams struct {
	Query string `json:"query" jsonschema:"required,description=Search terms"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results,minimum=1,maximum=50,default=10"`
}

// SearchPostsTool searches recent Farcaster casts. Results land in the
// action history so the next cycle can read them.
type SearchPostsTool struct{}

func (t *SearchPostsTool) Name() string { return "search_posts" }

func (t *SearchPostsTool) Description() string {
	return "Search recent Farcaster casts by keyword. Results appear in the action history next cycle."
}

func (t *SearchPostsTool) Group() Group { return GroupResearch }

func (t *SearchPostsTool) Schema() json.RawMessage {
	return reflectSchema(&searchPostsParams{})
}

func (t *SearchPostsTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p searchPostsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if p.Limit <= 0 {
		p.Limit = defaultSearchLimit
	}
	if p.Limit > maxSearchLimit {
		p.Limit = maxSearchLimit
	}

	integ, fail := actx.integration(models.PlatformFarcaster)
	if fail != nil {
		return fail, nil
	}
	searcher, ok := integ.(integrations.Searcher)
	if !ok {
		return Failf("platform %s does not support search", models.PlatformFarcaster), nil
	}

	msgs, err := searcher.SearchPosts(ctx, p.Query, p.Limit)
	if err != nil {
		return Failf("search failed: %v", err), nil
	}

	results := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, map[string]any{
			"id":        m.ID,
			"author":    m.SenderDisplay,
			"author_id": m.SenderID,
			"text":      snippet(m.Content, searchSnippetLen),
			"timestamp": m.Timestamp.Unix(),
		})
	}
	return OK(map[string]any{
		"query":   p.Query,
		"count":   len(results),
		"results": results,
	}), nil
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

type getUserProfileParams struct {
	UserID   string `json:"user_id" jsonschema:"required,description=User ID (FID for Farcaster or @user:server for Matrix)"`
	Platform string `json:"platform,omitempty" jsonschema:"description=Platform the user lives on,enum=matrix,enum=farcaster,default=farcaster"`
}

// GetUserProfileTool fetches a user profile and merges it into the
// world state.
type GetUserProfileTool struct{}

func (t *GetUserProfileTool) Name() string { return "get_user_profile" }

func (t *GetUserProfileTool) Description() string {
	return "Look up a user profile. The profile is merged into world state and returned in the result."
}

func (t *GetUserProfileTool) Group() Group { return GroupResearch }

func (t *GetUserProfileTool) Schema() json.RawMessage {
	return reflectSchema(&getUserProfileParams{})
}

func (t *GetUserProfileTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p getUserProfileParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	platform := models.Platform(p.Platform)
	if platform == "" {
		platform = models.PlatformFarcaster
	}

	integ, fail := actx.integration(platform)
	if fail != nil {
		return fail, nil
	}
	lookup, ok := integ.(integrations.ProfileLookup)
	if !ok {
		return Failf("platform %s does not support profile lookup", platform), nil
	}

	user, err := lookup.GetProfile(ctx, p.UserID)
	if err != nil {
		return Failf("profile lookup failed: %v", err), nil
	}

	if actx.World != nil {
		actx.World.UpsertUser(user)
	}
	return OK(map[string]any{
		"user_id":      user.ID,
		"platform":     string(user.Platform),
		"handle":       user.Handle,
		"display_name": user.DisplayName,
		"followers":    user.FollowerCount,
		"following":    user.FollowingCount,
		"bio":          snippet(user.Bio, searchSnippetLen),
	}), nil
}
