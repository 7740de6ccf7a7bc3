// Package media talks to an OpenAI-compatible image endpoint on behalf of
// the generate_image and describe_image tools, and mirrors generated
// images into object storage so posts keep working after the generator's
// signed URLs expire.
package media

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/corvid-labs/corvid/internal/backoff"
	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/pkg/models"
)

// Config configures the generator client.
type Config struct {
	// Endpoint is the OpenAI-compatible API base. Any service that speaks
	// the images and chat completions protocols works here.
	Endpoint string
	APIKey   string

	// Model is the image generation model (default: dall-e-3).
	Model string

	// VisionModel answers describe_image requests (default: gpt-4o-mini).
	VisionModel string

	// Timeout bounds a single generation call (default: 2m; image
	// endpoints are slow).
	Timeout time.Duration

	// MaxRetries is the maximum retry attempts for transient failures (default: 2).
	MaxRetries int

	// RetryDelay is the base delay between retries (default: 2s).
	RetryDelay time.Duration
}

// Mirror copies a freshly generated image to durable storage and returns
// the durable URL.
type Mirror interface {
	MirrorURL(ctx context.Context, mediaID, srcURL string) (string, error)
}

// Service implements the tool-facing media operations. A nil *Service is
// a valid "not configured" service; the tools report that to the model.
type Service struct {
	client      *openai.Client
	mirror      Mirror
	model       string
	visionModel string
	timeout     time.Duration
	maxRetries  int
	retry       backoff.Policy
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewService creates a media service. mirror may be nil, in which case
// references carry only the generator's ephemeral URL.
func NewService(cfg Config, mirror Mirror, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	if cfg.APIKey == "" {
		return nil, corviderr.ErrConfig("media generator API key not configured", nil)
	}
	if cfg.Model == "" {
		cfg.Model = "dall-e-3"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}

	return &Service{
		client:      openai.NewClientWithConfig(clientConfig),
		mirror:      mirror,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		retry:       backoff.Policy{Initial: cfg.RetryDelay, Max: 30 * time.Second, Factor: 2, Jitter: 0.1},
		logger:      logger.With("component", "media"),
		metrics:     metrics,
	}, nil
}

// Generate produces one image for the prompt and returns a reference
// carrying both the generator URL and, when a mirror is configured, the
// durable storage URL. A mirror failure degrades to the ephemeral URL
// rather than failing the generation.
func (s *Service) Generate(ctx context.Context, prompt, aspectRatio string) (*models.GeneratedMediaRef, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := openai.ImageRequest{
		Prompt:         prompt,
		Model:          s.model,
		N:              1,
		Size:           sizeFor(aspectRatio),
		ResponseFormat: openai.CreateImageResponseFormatURL,
	}

	start := time.Now()
	resp, err := s.createImage(ctx, req)
	if err != nil {
		s.observe("generate", "error", start)
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		s.observe("generate", "error", start)
		return nil, corviderr.ErrLLM("image generation returned no data", nil)
	}
	s.observe("generate", "success", start)

	ref := &models.GeneratedMediaRef{
		MediaID:     uuid.NewString(),
		URL:         resp.Data[0].URL,
		Prompt:      prompt,
		AspectRatio: aspectRatio,
		CreatedAt:   time.Now().UTC(),
	}

	if s.mirror != nil {
		storageURL, err := s.mirror.MirrorURL(ctx, ref.MediaID, ref.URL)
		if err != nil {
			s.logger.Warn("media mirror failed, keeping ephemeral URL",
				"media_id", ref.MediaID, "error", err)
			if s.metrics != nil {
				s.metrics.RecordError("media", "mirror_failed")
			}
		} else {
			ref.StorageURL = storageURL
		}
	}

	s.logger.Info("image generated",
		"media_id", ref.MediaID,
		"aspect_ratio", aspectRatio,
		"mirrored", ref.StorageURL != "")
	return ref, nil
}

// Describe asks the vision model what the image at imageURL shows.
func (s *Service) Describe(ctx context.Context, imageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: s.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Describe this image in two or three sentences. Mention any visible text.",
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    imageURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
		MaxTokens: 300,
	}

	start := time.Now()
	resp, err := s.createChatCompletion(ctx, req)
	if err != nil {
		s.observeModel("describe", s.visionModel, "error", start)
		return "", err
	}
	if len(resp.Choices) == 0 {
		s.observeModel("describe", s.visionModel, "error", start)
		return "", corviderr.ErrLLM("vision model returned no choices", nil)
	}
	s.observeModel("describe", s.visionModel, "success", start)

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (s *Service) createImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error) {
	resp, err := backoff.Retry(ctx, s.retry, s.maxRetries, func(ctx context.Context) (openai.ImageResponse, error) {
		resp, err := s.client.CreateImage(ctx, req)
		if err != nil && !retryableMediaError(err) {
			return openai.ImageResponse{}, backoff.Permanent(err)
		}
		return resp, err
	})
	if err != nil {
		return openai.ImageResponse{}, corviderr.ErrLLM("image generation failed", err)
	}
	return resp, nil
}

func (s *Service) createChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	resp, err := backoff.Retry(ctx, s.retry, s.maxRetries, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err != nil && !retryableMediaError(err) {
			return openai.ChatCompletionResponse{}, backoff.Permanent(err)
		}
		return resp, err
	})
	if err != nil {
		return openai.ChatCompletionResponse{}, corviderr.ErrLLM("image description failed", err)
	}
	return resp, nil
}

func (s *Service) observe(op, status string, start time.Time) {
	s.observeModel(op, s.model, status, start)
}

func (s *Service) observeModel(op, model, status string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordLLMRequest("media."+op, model, status, time.Since(start).Seconds(), 0, 0)
}

// sizeFor maps the tool's aspect ratios onto the sizes image endpoints
// actually accept. Unknown ratios fall back to square.
func sizeFor(aspectRatio string) string {
	switch aspectRatio {
	case "16:9":
		return openai.CreateImageSize1792x1024
	case "9:16":
		return openai.CreateImageSize1024x1792
	default:
		return openai.CreateImageSize1024x1024
	}
}

func retryableMediaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection refused", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
