package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.5-flash"

const responderPrompt = `You are a first responder analysis assistant. Assess the people visible in the image,
which was captured by a search-and-rescue drone. Identify their physical and mental needs, focusing only on
their condition. If the environment appears dangerous, include a clear notice about the potential hazard.
Keep the answer concise and factual, under 80 words. This is not a conversation. Do not speculate.`

var ErrEmptyFrame = errors.New("frame is empty")

// GeminiClient describes evidence frames for first responders.
type GeminiClient struct {
	client *genai.Client
	model  string
}

func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{client: client, model: model}, nil
}

// Describe returns a short assessment of the people in frame.
func (g *GeminiClient) Describe(ctx context.Context, frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", ErrEmptyFrame
	}

	mime := http.DetectContentType(frame)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText("What is in this image?"),
			genai.NewPartFromBytes(frame, mime),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(responderPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(0.2)),
		MaxOutputTokens:   int32(200),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := strings.TrimSpace(strings.ReplaceAll(resp.Text(), "*", ""))
	if text == "" {
		return "", errors.New("empty description from model")
	}
	return text, nil
}
