package farcaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/pkg/models"
)

// apiClient is a thin client for a Neynar-style Farcaster indexer API.
// Reads authenticate with the API key; writes additionally carry the
// signer UUID in the request body.
type apiClient struct {
	baseURL string
	apiKey  string
	signer  string
	http    *http.Client
	logger  *slog.Logger
}

func newAPIClient(cfg *Config) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		signer:  cfg.SignerUUID,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  cfg.Logger.With("integration", "farcaster"),
	}
}

// Wire types. Field sets track the indexer responses; unknown fields are
// ignored.

type castEnvelope struct {
	Cast cast `json:"cast"`
}

type cast struct {
	Hash       string      `json:"hash"`
	ThreadHash string      `json:"thread_hash"`
	ParentHash string      `json:"parent_hash"`
	Text       string      `json:"text"`
	Timestamp  time.Time   `json:"timestamp"`
	Author     castAuthor  `json:"author"`
	Channel    *channelRef `json:"channel"`
	Embeds     []castEmbed `json:"embeds"`
}

type castAuthor struct {
	FID            int64         `json:"fid"`
	Username       string        `json:"username"`
	DisplayName    string        `json:"display_name"`
	FollowerCount  int           `json:"follower_count"`
	FollowingCount int           `json:"following_count"`
	PowerBadge     bool          `json:"power_badge"`
	Verifications  []string      `json:"verifications"`
	Profile        authorProfile `json:"profile"`
}

type authorProfile struct {
	Bio struct {
		Text string `json:"text"`
	} `json:"bio"`
}

type channelRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type castEmbed struct {
	URL string `json:"url"`
}

type bulkUsersResponse struct {
	Users []castAuthor `json:"users"`
}

type searchResponse struct {
	Result struct {
		Casts []cast `json:"casts"`
	} `json:"result"`
}

type feedResponse struct {
	Casts []cast `json:"casts"`
}

type notificationsResponse struct {
	Notifications []struct {
		Type string `json:"type"`
		Cast *cast  `json:"cast"`
	} `json:"notifications"`
}

type publishCastRequest struct {
	SignerUUID string      `json:"signer_uuid"`
	Text       string      `json:"text"`
	Parent     string      `json:"parent,omitempty"`
	ChannelID  string      `json:"channel_id,omitempty"`
	Embeds     []castEmbed `json:"embeds,omitempty"`
	Idem       string      `json:"idem,omitempty"`
}

type reactionRequest struct {
	SignerUUID   string `json:"signer_uuid"`
	ReactionType string `json:"reaction_type"`
	Target       string `json:"target"`
}

type followRequest struct {
	SignerUUID string  `json:"signer_uuid"`
	TargetFIDs []int64 `json:"target_fids"`
}

func (c *apiClient) publishCast(ctx context.Context, text, parent, channelID string, embeds []string, idem string) (*cast, *models.RateLimitSnapshot, error) {
	req := publishCastRequest{
		SignerUUID: c.signer,
		Text:       text,
		Parent:     parent,
		ChannelID:  channelID,
		Idem:       idem,
	}
	for _, u := range embeds {
		if u != "" {
			req.Embeds = append(req.Embeds, castEmbed{URL: u})
		}
	}

	var resp castEnvelope
	snap, err := c.do(ctx, http.MethodPost, "/v2/farcaster/cast", nil, req, &resp)
	if err != nil {
		return nil, snap, err
	}
	if resp.Cast.Hash == "" {
		return nil, snap, corviderr.ErrConnection("farcaster: publish returned no cast hash", nil)
	}
	return &resp.Cast, snap, nil
}

func (c *apiClient) react(ctx context.Context, reactionType, targetHash string) error {
	req := reactionRequest{
		SignerUUID:   c.signer,
		ReactionType: reactionType,
		Target:       targetHash,
	}
	_, err := c.do(ctx, http.MethodPost, "/v2/farcaster/reaction", nil, req, nil)
	return err
}

func (c *apiClient) follow(ctx context.Context, fids []int64) error {
	req := followRequest{SignerUUID: c.signer, TargetFIDs: fids}
	_, err := c.do(ctx, http.MethodPost, "/v2/farcaster/user/follow", nil, req, nil)
	return err
}

func (c *apiClient) userByFID(ctx context.Context, fid int64) (*castAuthor, error) {
	query := url.Values{"fids": {strconv.FormatInt(fid, 10)}}

	var resp bulkUsersResponse
	if _, err := c.do(ctx, http.MethodGet, "/v2/farcaster/user/bulk", query, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, corviderr.ErrValidation(fmt.Sprintf("farcaster: no user with fid %d", fid), nil)
	}
	return &resp.Users[0], nil
}

func (c *apiClient) searchCasts(ctx context.Context, q string, limit int) ([]cast, error) {
	query := url.Values{
		"q":     {q},
		"limit": {strconv.Itoa(limit)},
	}

	var resp searchResponse
	if _, err := c.do(ctx, http.MethodGet, "/v2/farcaster/cast/search", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Result.Casts, nil
}

func (c *apiClient) channelFeed(ctx context.Context, channelIDs []string, limit int) ([]cast, error) {
	query := url.Values{
		"channel_ids": {strings.Join(channelIDs, ",")},
		"limit":       {strconv.Itoa(limit)},
	}

	var resp feedResponse
	if _, err := c.do(ctx, http.MethodGet, "/v2/farcaster/feed/channels", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Casts, nil
}

// mentions returns casts from mention and reply notifications for the fid.
func (c *apiClient) mentions(ctx context.Context, fid int64, limit int) ([]cast, error) {
	query := url.Values{
		"fid":   {strconv.FormatInt(fid, 10)},
		"limit": {strconv.Itoa(limit)},
	}

	var resp notificationsResponse
	if _, err := c.do(ctx, http.MethodGet, "/v2/farcaster/notifications", query, nil, &resp); err != nil {
		return nil, err
	}

	casts := make([]cast, 0, len(resp.Notifications))
	for _, n := range resp.Notifications {
		if n.Cast == nil {
			continue
		}
		switch n.Type {
		case "mention", "reply":
			casts = append(casts, *n.Cast)
		}
	}
	return casts, nil
}

// do executes one API call and decodes the response into out. It returns
// the rate-limit snapshot from the response headers when present.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) (*models.RateLimitSnapshot, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, corviderr.ErrValidation("farcaster: encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, corviderr.ErrValidation("farcaster: create request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, corviderr.ErrConnection("farcaster: "+method+" "+path, err)
	}
	defer resp.Body.Close()

	snap := rateLimitFromHeaders(resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		return snap, corviderr.ErrTransient("farcaster: rate limited by API", nil).
			WithContext("retry_after", retryAfter).
			WithContext("path", path)
	}
	if resp.StatusCode >= 500 {
		return snap, corviderr.ErrTransient(fmt.Sprintf("farcaster: API returned %d for %s", resp.StatusCode, path), nil)
	}
	if resp.StatusCode >= 400 {
		detail, readErr := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if readErr != nil {
			detail = nil
		}
		return snap, corviderr.ErrValidation(
			fmt.Sprintf("farcaster: API returned %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(detail))), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return snap, corviderr.ErrConnection("farcaster: decode response", err)
		}
	}
	return snap, nil
}

// rateLimitFromHeaders reads x-ratelimit headers into a snapshot. Returns
// nil when the response carries none.
func rateLimitFromHeaders(h http.Header) *models.RateLimitSnapshot {
	limitRaw := h.Get("x-ratelimit-limit")
	remainingRaw := h.Get("x-ratelimit-remaining")
	if limitRaw == "" && remainingRaw == "" {
		return nil
	}

	snap := &models.RateLimitSnapshot{LastUpdated: time.Now()}
	if v, err := strconv.Atoi(limitRaw); err == nil {
		snap.Limit = v
	}
	if v, err := strconv.Atoi(remainingRaw); err == nil {
		snap.Remaining = v
	}
	if resetRaw := h.Get("x-ratelimit-reset"); resetRaw != "" {
		if unix, err := strconv.ParseInt(resetRaw, 10, 64); err == nil {
			snap.ResetAt = time.Unix(unix, 0)
		}
	}
	return snap
}
