package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/invoice-intake/internal/document"
)

const ollamaProvider = "ollama"

// maxResponseBytes bounds how much of a provider response is read
const maxResponseBytes = 4 << 20

// Ollama implements the Recognizer interface against an Ollama vision model
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	now     func() time.Time
}

// NewOllama creates a new Ollama Recognizer.
// Vision models such as llava or qwen2-vl give the best results on invoices.
func NewOllama(baseURL string, modelName string, timeout time.Duration) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Recognize sends the document to Ollama's chat API and returns the model's reply
func (o *Ollama) Recognize(ctx context.Context, data []byte, contentType string) (*RawResult, error) {
	image, err := document.PrepareImage(data, contentType)
	if err != nil {
		return nil, newError(ollamaProvider, ErrProviderRejected, err)
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "system", Content: systemPrompt},
			{
				Role:    "user",
				Content: extractionPrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(image)},
			},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newError(ollamaProvider, ErrProviderRejected, fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, newError(ollamaProvider, ErrProviderUnavailable, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fromTransport(ollamaProvider, fmt.Errorf("calling ollama API: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fromTransport(ollamaProvider, fmt.Errorf("reading response: %w", err))
	}

	if kind := kindForStatus(resp.StatusCode); kind != nil {
		return nil, newError(ollamaProvider, kind, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	slog.Debug("Ollama responded", "model", o.model, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())

	// The chat envelope is unwrapped when present; anything else is handed on verbatim.
	var chatResp ollamaChatResponse
	if err := json.Unmarshal(body, &chatResp); err == nil && chatResp.Message.Content != "" {
		body = []byte(chatResp.Message.Content)
	}

	return &RawResult{
		Provider:   ollamaProvider,
		Body:       body,
		ReceivedAt: o.now(),
	}, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
