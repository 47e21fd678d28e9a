// Package llm is the Gemini-backed implementation of the embedding,
// generation and PDF transcription capabilities.
package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultModel          = "gemini-2.5-flash"
	DefaultEmbeddingModel = "gemini-embedding-001"
	// embedBatchSize is the most contents sent in one EmbedContent call.
	embedBatchSize = 100
)

type Config struct {
	APIKey              string
	Model               string
	EmbeddingModel      string
	EmbeddingDimensions int
}

// Client wraps a genai client with the models this service uses.
type Client struct {
	client         *genai.Client
	model          string
	embeddingModel string
	dimensions     int32
}

// NewClient creates the Gemini client. Without an API key the genai
// defaults apply (GOOGLE_API_KEY or Vertex AI environment).
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cc := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1beta"},
	}
	if cfg.APIKey != "" {
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("NewClient: create genai client: %w", err)
	}

	c := &Client{
		client:         client,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     int32(cfg.EmbeddingDimensions),
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.embeddingModel == "" {
		c.embeddingModel = DefaultEmbeddingModel
	}
	return c, nil
}

func (c *Client) embedConfig() *genai.EmbedContentConfig {
	if c.dimensions <= 0 {
		return nil
	}
	return &genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(c.dimensions)}
}

// Embed returns the embedding of one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order, chunked to the API's batch limit.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		contents := make([]*genai.Content, 0, end-start)
		for _, t := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
		}
		resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, contents, c.embedConfig())
		if err != nil {
			return nil, fmt.Errorf("EmbedBatch: embed content: %w", err)
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("EmbedBatch: got %d embeddings for %d texts", len(resp.Embeddings), end-start)
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}
	return out, nil
}

// Generate streams a completion for prompt. Every non-empty chunk is passed
// to onChunk as it arrives; an onChunk error or ctx cancellation stops the
// stream. The text received so far is returned alongside any error.
func (c *Client) Generate(ctx context.Context, system, prompt string, onChunk func(string) error) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.2),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	var b strings.Builder
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, genai.Text(prompt), cfg) {
		if err != nil {
			return b.String(), fmt.Errorf("Generate: stream: %w", err)
		}
		chunk := resp.Text()
		if chunk == "" {
			continue
		}
		b.WriteString(chunk)
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return b.String(), fmt.Errorf("Generate: forwarding chunk: %w", err)
			}
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("Generate: empty response from model")
	}
	return b.String(), nil
}

const transcribePrompt = "You transcribe UK public transport statements (for example Transport for London contactless or Oyster journey history).\n\n" +
	"Task:\n" +
	"- Output one line per charged journey or fare, in statement order.\n" +
	"- Each line: date as DD/MM/YYYY, start time as HH:MM if shown, the journey description exactly as printed (keep mode words such as Bus, Underground, DLR, Tram, Overground and any zones), then the charge as £N.NN.\n" +
	"- If the statement prints an overall total, output it last as: Total £N.NN\n" +
	"- Output plain text only. No headings, no commentary, no Markdown.\n"

// ExtractText asks the model to transcribe a PDF statement into the line
// shape the parser expects.
func (c *Client) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: transcribePrompt},
				{
					InlineData: &genai.Blob{
						MIMEType: "application/pdf",
						Data:     pdf,
					},
				},
			},
		},
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("ExtractText: generate content: %w", err)
	}
	raw := resp.Text()
	if raw == "" {
		return "", fmt.Errorf("ExtractText: empty response from model")
	}
	return cleanModelText(raw), nil
}

// cleanModelText strips Markdown fences the model sometimes adds despite
// instructions.
func cleanModelText(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return ""
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
