package tools

import (
	"context"
	"encoding/json"
)

type generateImageParams struct {
	Prompt      string `json:"prompt" jsonschema:"required,description=What the image should show"`
	AspectRatio string `json:"aspect_ratio,omitempty" jsonschema:"description=Aspect ratio of the image,enum=1:1,enum=16:9,enum=9:16,default=1:1"`
}

// GenerateImageTool produces an image and registers the reference so a
// follow-up post in the same cycle can attach it.
type GenerateImageTool struct{}

func (t *GenerateImageTool) Name() string { return "generate_image" }

func (t *GenerateImageTool) Description() string {
	return "Generate an image from a prompt. Select before send_social_post or send_chat_message to attach the result."
}

func (t *GenerateImageTool) Group() Group { return GroupMedia }

func (t *GenerateImageTool) Schema() json.RawMessage {
	return reflectSchema(&generateImageParams{})
}

func (t *GenerateImageTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p generateImageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if p.AspectRatio == "" {
		p.AspectRatio = "1:1"
	}
	if actx.Media == nil {
		return Failf("media generation is not configured"), nil
	}

	ref, err := actx.Media.Generate(ctx, p.Prompt, p.AspectRatio)
	if err != nil {
		return Failf("generation failed: %v", err), nil
	}

	if actx.World != nil {
		actx.World.RegisterGeneratedMedia(ref)
	}
	return OK(map[string]any{
		"media_id":     ref.MediaID,
		"url":          mediaAttachURL(ref),
		"aspect_ratio": p.AspectRatio,
	}), nil
}

type describeImageParams struct {
	ImageURL string `json:"image_url" jsonschema:"required,description=URL of the image to describe"`
}

// DescribeImageTool asks the vision model what an image shows.
type DescribeImageTool struct{}

func (t *DescribeImageTool) Name() string { return "describe_image" }

func (t *DescribeImageTool) Description() string {
	return "Describe an image by URL. Use when a message embeds media worth understanding before responding."
}

func (t *DescribeImageTool) Group() Group { return GroupMedia }

func (t *DescribeImageTool) Schema() json.RawMessage {
	return reflectSchema(&describeImageParams{})
}

func (t *DescribeImageTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p describeImageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}
	if actx.Media == nil {
		return Failf("media description is not configured"), nil
	}

	desc, err := actx.Media.Describe(ctx, p.ImageURL)
	if err != nil {
		return Failf("description failed: %v", err), nil
	}
	return OK(map[string]any{
		"image_url":   p.ImageURL,
		"description": desc,
	}), nil
}
