package llm

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/PabloGalante/persona-chat/internal/domain"
)

// Options selects the models and backend used by GeminiClient.
type Options struct {
	APIKey string // Gemini API backend when set

	Project  string // Vertex AI backend when APIKey is empty
	Location string

	ImageModel  string
	TitleModel  string
	SpeechModel string
	Voice       string
}

type GeminiClient struct {
	client *genai.Client
	opts   Options
}

// NewGeminiClient creates a domain.ModelGateway backed by Gemini, either
// through the public API (API key) or Vertex AI (project + location).
func NewGeminiClient(ctx context.Context, opts Options) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.APIKey == "" {
		if opts.Project == "" || opts.Location == "" {
			return nil, fmt.Errorf("either an API key or a GCP project and location are required")
		}
		cc = &genai.ClientConfig{
			Project:  opts.Project,
			Location: opts.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	if opts.ImageModel == "" {
		opts.ImageModel = "gemini-2.5-flash-image"
	}
	if opts.TitleModel == "" {
		opts.TitleModel = string(domain.ModelFlash)
	}
	if opts.SpeechModel == "" {
		opts.SpeechModel = "gemini-2.5-flash-preview-tts"
	}
	if opts.Voice == "" {
		opts.Voice = "Kore"
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &GeminiClient{
		client: client,
		opts:   opts,
	}, nil
}

// StreamText implements domain.ModelGateway.
func (g *GeminiClient) StreamText(ctx context.Context, req domain.TextRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents, cfg := buildTextRequest(req)

		for res, err := range g.client.Models.GenerateContentStream(ctx, string(req.Model), contents, cfg) {
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			if !yield(res.Text(), nil) {
				return
			}
		}
	}
}

// buildTextRequest maps the history to Gemini contents (assistant → model),
// appends the new user turn last and sets the sampling parameters.
func buildTextRequest(req domain.TextRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		var role genai.Role = genai.RoleUser
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.UserText, genai.RoleUser))

	// without genai.Ptr to avoid generic issues
	temp := float32(0.7)
	topP := float32(0.95)
	topK := float32(40)

	cfg := &genai.GenerateContentConfig{
		Temperature: &temp,
		TopP:        &topP,
		TopK:        &topK,
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	return contents, cfg
}

// GenerateImage implements domain.ModelGateway.
func (g *GeminiClient) GenerateImage(ctx context.Context, prompt string) (*domain.ImageResult, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		ImageConfig: &genai.ImageConfig{AspectRatio: "1:1"},
	}

	res, err := g.client.Models.GenerateContent(ctx, g.opts.ImageModel, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate image: %w", err)
	}

	out := &domain.ImageResult{}
	for _, part := range firstParts(res) {
		switch {
		case part.InlineData != nil:
			out.Data = part.InlineData.Data
			out.MIMEType = part.InlineData.MIMEType
		case part.Text != "":
			out.Text += part.Text
		}
	}
	return out, nil
}

// GenerateTitle implements domain.ModelGateway.
func (g *GeminiClient) GenerateTitle(ctx context.Context, seed string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(TitlePrompt(seed), genai.RoleUser)}

	res, err := g.client.Models.GenerateContent(ctx, g.opts.TitleModel, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate title: %w", err)
	}
	return res.Text(), nil
}

// GenerateSpeech implements domain.ModelGateway.
func (g *GeminiClient) GenerateSpeech(ctx context.Context, text string) ([]byte, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.opts.Voice},
			},
		},
	}

	res, err := g.client.Models.GenerateContent(ctx, g.opts.SpeechModel, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate speech: %w", err)
	}

	for _, part := range firstParts(res) {
		if part.InlineData != nil {
			return part.InlineData.Data, nil
		}
	}
	return nil, nil
}

func firstParts(res *genai.GenerateContentResponse) []*genai.Part {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return nil
	}
	return res.Candidates[0].Content.Parts
}
