package farcaster

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvid-labs/corvid/internal/backoff"
	"github.com/corvid-labs/corvid/internal/corviderr"
)

const (
	streamMaxPayload = 1 << 20
	streamPingPeriod = 15 * time.Second
	streamPongWait   = 45 * time.Second
	streamWriteWait  = 10 * time.Second
	streamDialWait   = 15 * time.Second
)

// streamClient subscribes to a live cast feed over websocket and hands
// each cast to the integration. Reconnects with exponential backoff.
type streamClient struct {
	url      string
	apiKey   string
	fid      int64
	channels []string
	onCast   func(cast)
	logger   *slog.Logger
}

func newStreamClient(cfg *Config, onCast func(cast)) *streamClient {
	fid, _ := strconv.ParseInt(cfg.FID, 10, 64)
	return &streamClient{
		url:      cfg.StreamURL,
		apiKey:   cfg.APIKey,
		fid:      fid,
		channels: cfg.Channels,
		onCast:   onCast,
		logger:   cfg.Logger.With("integration", "farcaster", "component", "stream"),
	}
}

type streamSubscribe struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	FIDs     []int64  `json:"fids,omitempty"`
}

type streamFrame struct {
	Type string `json:"type"`
	Cast *cast  `json:"cast,omitempty"`
}

// run maintains the stream connection until the context is cancelled.
func (s *streamClient) run(ctx context.Context) {
	policy := backoff.Default()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		delivered, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			attempt = 0
		}
		if err != nil {
			s.logger.Warn("stream session ended", "error", err, "attempt", attempt+1)
		}
		if err := policy.Sleep(ctx, attempt); err != nil {
			return
		}
		attempt++
	}
}

// session dials, subscribes, and reads frames until the connection
// drops. Returns whether any frame was delivered, for backoff reset.
func (s *streamClient) session(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, streamDialWait)
	header := http.Header{"x-api-key": []string{s.apiKey}}
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, header)
	cancel()
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, corviderr.ErrConnection("farcaster: stream dial failed", err)
	}
	defer conn.Close()

	sub := streamSubscribe{
		Type:     "subscribe",
		Channels: s.channels,
		FIDs:     []int64{s.fid},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return false, corviderr.ErrConnection("farcaster: stream subscribe failed", err)
	}
	s.logger.Debug("stream subscribed", "channels", s.channels)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				deadline := time.Now().Add(streamWriteWait)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(streamWriteWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(streamMaxPayload)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	delivered := false
	for {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return delivered, err
		}
		if frame.Type == "cast.created" && frame.Cast != nil {
			delivered = true
			s.onCast(*frame.Cast)
		}
	}
}
