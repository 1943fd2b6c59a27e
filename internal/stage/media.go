package stage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	_ "golang.org/x/image/webp"

	"github.com/timmy/reelpilot/internal/prompts"
)

// Frame size requested from image generators.
const (
	FrameWidth  = 720
	FrameHeight = 1280
)

// GeneratedImage is a decoded-and-checked generator output.
type GeneratedImage struct {
	Data   []byte
	Format string // png, jpeg or webp
	Width  int
	Height int
}

// ContentType returns the MIME type of the image.
func (g GeneratedImage) ContentType() string {
	return "image/" + g.Format
}

// ImageGenerator renders one still frame from a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (GeneratedImage, error)
}

// SynthesizedAudio is narration audio for one scene.
type SynthesizedAudio struct {
	Data        []byte
	ContentType string
}

// Ext returns the file extension matching the content type.
func (a SynthesizedAudio) Ext() string {
	switch {
	case strings.Contains(a.ContentType, "mpeg"), strings.Contains(a.ContentType, "mp3"):
		return "mp3"
	case strings.Contains(a.ContentType, "ogg"):
		return "ogg"
	default:
		return "wav"
	}
}

// SpeechSynthesizer turns narration text into audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (SynthesizedAudio, error)
}

// MediaConfig holds the generator endpoints.
type MediaConfig struct {
	ImageURL  string
	SpeechURL string
	Timeout   time.Duration
}

// ImageClient calls a txt2img endpoint that answers with base64 encoded images.
type ImageClient struct {
	client   *resty.Client
	endpoint string
}

// NewImageClient creates an image generator client.
func NewImageClient(cfg MediaConfig) *ImageClient {
	return &ImageClient{client: newMediaClient(cfg.Timeout), endpoint: cfg.ImageURL}
}

type txt2imgRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Steps          int    `json:"steps"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

// GenerateImage renders prompt and checks that the answer decodes as an image.
func (c *ImageClient) GenerateImage(ctx context.Context, prompt string) (GeneratedImage, error) {
	var resp txt2imgResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(txt2imgRequest{
			Prompt:         prompts.ImagePrompt(prompt),
			NegativePrompt: prompts.ImageNegativePrompt,
			Width:          FrameWidth,
			Height:         FrameHeight,
			Steps:          25,
		}).
		SetResult(&resp).
		Post(c.endpoint)
	if err != nil {
		return GeneratedImage{}, fmt.Errorf("failed to call image API: %w", err)
	}
	if httpResp.IsError() {
		return GeneratedImage{}, fmt.Errorf("image API returned HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
	}
	if len(resp.Images) == 0 {
		return GeneratedImage{}, errors.New("image API returned no images")
	}

	encoded := resp.Images[0]
	if idx := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && idx > 0 {
		encoded = encoded[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return GeneratedImage{}, fmt.Errorf("failed to decode image payload: %w", err)
	}
	return inspectImage(data)
}

// inspectImage reads the header of data to learn its format and size.
func inspectImage(data []byte) (GeneratedImage, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return GeneratedImage{}, fmt.Errorf("generated image is not decodable: %w", err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return GeneratedImage{}, fmt.Errorf("generated image has empty dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return GeneratedImage{Data: data, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// SpeechClient calls a TTS endpoint of the form GET <url>?text=...&speaker_id=... that answers with audio bytes.
type SpeechClient struct {
	client   *resty.Client
	endpoint string
}

// NewSpeechClient creates a speech synthesizer client.
func NewSpeechClient(cfg MediaConfig) *SpeechClient {
	return &SpeechClient{client: newMediaClient(cfg.Timeout), endpoint: cfg.SpeechURL}
}

// Synthesize renders text with voice. An empty voice uses the server default.
func (c *SpeechClient) Synthesize(ctx context.Context, text, voice string) (SynthesizedAudio, error) {
	if strings.TrimSpace(text) == "" {
		return SynthesizedAudio{}, errors.New("nothing to synthesize")
	}
	req := c.client.R().SetContext(ctx).SetQueryParam("text", text)
	if voice != "" {
		req.SetQueryParam("speaker_id", voice)
	}
	httpResp, err := req.Get(c.endpoint)
	if err != nil {
		return SynthesizedAudio{}, fmt.Errorf("failed to call speech API: %w", err)
	}
	if httpResp.IsError() {
		return SynthesizedAudio{}, fmt.Errorf("speech API returned HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
	}
	body := httpResp.Body()
	if len(body) == 0 {
		return SynthesizedAudio{}, errors.New("speech API returned empty audio")
	}
	contentType := httpResp.Header().Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "audio/") {
		contentType = "audio/wav"
	}
	return SynthesizedAudio{Data: body, ContentType: contentType}, nil
}

func newMediaClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)
	return client
}
