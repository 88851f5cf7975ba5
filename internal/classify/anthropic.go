package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nhle/mail-classifier/internal/mailbox"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 4096
	apiURL           = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"

	// bodyPreviewLimit bounds how much of each item body is sent to the
	// model. Enough for classification without blowing the token budget.
	bodyPreviewLimit = 2000
)

// AnthropicClassifier classifies items with the Claude Messages API.
type AnthropicClassifier struct {
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropicClassifier creates a classifier backed by the Claude API.
func NewAnthropicClassifier(apiKey, modelName string, maxTokens int) *AnthropicClassifier {
	if modelName == "" {
		modelName = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicClassifier{
		apiKey:    apiKey,
		model:     modelName,
		maxTokens: maxTokens,
		client:    &http.Client{},
	}
}

// Classify sends one batch of items to the model and parses its
// verdicts. Items the model declines to match come back with an empty
// label; items missing from the response are treated the same way.
func (c *AnthropicClassifier) Classify(
	ctx context.Context,
	items []mailbox.Item,
	labels []string,
) ([]Result, error) {
	if len(items) == 0 {
		return nil, nil
	}

	resp, err := c.callAPI(ctx, buildPrompt(items, labels))
	if err != nil {
		return nil, err
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	verdicts, err := parseVerdicts(text)
	if err != nil {
		return nil, fmt.Errorf("parsing classification response: %w", err)
	}

	byID := make(map[string]verdict, len(verdicts))
	for _, v := range verdicts {
		byID[v.ItemID] = v
	}

	allowed := make(map[string]bool, len(labels))
	for _, l := range labels {
		allowed[l] = true
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		v, ok := byID[item.ID]
		if !ok || !allowed[v.Label] {
			results = append(results, Result{ItemID: item.ID})
			continue
		}
		results = append(results, Result{
			ItemID:     item.ID,
			Label:      v.Label,
			Confidence: v.Confidence,
			Reasoning:  v.Reasoning,
		})
	}

	return results, nil
}

// buildPrompt renders the batch and the candidate labels into a single
// user message asking for a strict JSON answer.
func buildPrompt(items []mailbox.Item, labels []string) string {
	var sb strings.Builder

	sb.WriteString("Classify each email below into exactly one of these labels, ")
	sb.WriteString("or leave the label empty if none fits:\n")
	for _, l := range labels {
		sb.WriteString("- ")
		sb.WriteString(l)
		sb.WriteString("\n")
	}

	sb.WriteString("\nRespond with ONLY a JSON array, one object per email:\n")
	sb.WriteString(`[{"item_id": "...", "label": "...", "confidence": 0.0, "reasoning": "..."}]`)
	sb.WriteString("\nConfidence is between 0 and 1. ")
	sb.WriteString("Use an empty label and confidence 0 when no label fits.\n")

	for _, item := range items {
		body := item.Text
		if len(body) > bodyPreviewLimit {
			body = body[:bodyPreviewLimit]
		}
		sb.WriteString(fmt.Sprintf(
			"\n---\nitem_id: %s\nFrom: %s\nSubject: %s\nDate: %s\n\n%s\n",
			item.ID, item.From, item.Subject,
			item.Date.Format("2006-01-02 15:04"), body,
		))
	}

	return sb.String()
}

// verdict is one entry of the model's JSON answer.
type verdict struct {
	ItemID     string  `json:"item_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// parseVerdicts extracts the JSON array from the model's reply,
// tolerating prose or code fences around it.
func parseVerdicts(text string) ([]verdict, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var verdicts []verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdicts); err != nil {
		return nil, err
	}
	return verdicts, nil
}

// callAPI makes a single request to the Claude Messages API.
func (c *AnthropicClassifier) callAPI(ctx context.Context, prompt string) (*apiResponse, error) {
	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    "You are an email classification engine. You answer only with strict JSON.",
		Messages: []apiMessage{
			{
				Role:    "user",
				Content: []apiContentBlock{{Type: "text", Text: prompt}},
			},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, apiURL, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &result, nil
}

// --- Claude API types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
