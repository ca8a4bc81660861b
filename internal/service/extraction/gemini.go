package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"quizcast/internal/config"
)

const extractInstruction = "Extract all readable text from the attached document. " +
	"Preserve headings, lists and reading order. " +
	"Output only the extracted text with no commentary."

// GeminiClient uses the Gemini Files API for upload and readiness and a
// streamed generation call for extraction.
type GeminiClient struct {
	client *genai.Client
	model  string
}

func NewGeminiClient(ctx context.Context, cfg config.IngestionConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini extraction requires api_key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model}, nil
}

func (c *GeminiClient) Upload(ctx context.Context, filename string, data []byte, mimeType string) (Handle, error) {
	f, err := c.client.Files.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: filename,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("upload file: %w", err)
	}
	return Handle{Name: f.Name, URI: f.URI, MimeType: f.MIMEType}, nil
}

func (c *GeminiClient) Status(ctx context.Context, h Handle) (Status, error) {
	f, err := c.client.Files.Get(ctx, h.Name, nil)
	if err != nil {
		return Status{}, fmt.Errorf("get file %s: %w", h.Name, err)
	}
	switch f.State {
	case genai.FileStateActive:
		return Status{State: StateReady}, nil
	case genai.FileStateFailed:
		msg := "file processing failed"
		if f.Error != nil && f.Error.Message != "" {
			msg = f.Error.Message
		}
		return Status{State: StateFailed, Error: msg}, nil
	default:
		return Status{State: StateProcessing}, nil
	}
}

func (c *GeminiClient) ExtractText(ctx context.Context, h Handle, emit func(chunk string) error) error {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(h.URI, h.MimeType),
			genai.NewPartFromText(extractInstruction),
		}, genai.RoleUser),
	}
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, nil) {
		if err != nil {
			return fmt.Errorf("extract text stream: %w", err)
		}
		if chunk := resp.Text(); chunk != "" {
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *GeminiClient) Release(ctx context.Context, h Handle) error {
	if h.Name == "" {
		return nil
	}
	if _, err := c.client.Files.Delete(ctx, h.Name, nil); err != nil {
		return fmt.Errorf("delete file %s: %w", h.Name, err)
	}
	return nil
}
