package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/zombor/invoice-intake/internal/document"
)

const geminiProvider = "gemini"

// Gemini implements the Recognizer interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	now    func() time.Time
}

// NewGemini creates a new Gemini Recognizer
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}

	return &Gemini{
		client: client,
		model:  model,
		now:    time.Now,
	}, nil
}

// Recognize sends the document image to Gemini and returns the text it produced
func (g *Gemini) Recognize(ctx context.Context, data []byte, contentType string) (*RawResult, error) {
	image, err := document.PrepareImage(data, contentType)
	if err != nil {
		return nil, newError(geminiProvider, ErrProviderRejected, err)
	}

	// genai.ImageData takes the format suffix, not the MIME type
	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", image), genai.Text(extractionPrompt))
	if err != nil {
		return nil, classifyGemini(err)
	}

	return g.result(resp)
}

// result joins the text parts of the first candidate
func (g *Gemini) result(resp *genai.GenerateContentResponse) (*RawResult, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, newError(geminiProvider, ErrProviderRejected, errors.New("no candidates returned"))
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	return &RawResult{
		Provider:   geminiProvider,
		Body:       []byte(text.String()),
		ReceivedAt: g.now(),
	}, nil
}

func classifyGemini(err error) *ProviderError {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return newError(geminiProvider, ErrProviderRejected, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if kind := kindForStatus(apiErr.Code); kind != nil {
			return newError(geminiProvider, kind, err)
		}
	}

	return fromTransport(geminiProvider, fmt.Errorf("generating content: %w", err))
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
