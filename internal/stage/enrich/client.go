// Package enrich implements the Enricher boundary against OpenAI-compatible
// chat completion APIs.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/stage"
)

// Config configures the enrichment client.
type Config struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	SystemPrompt string `yaml:"system_prompt"`
	// CostPer1KTokens prices the model for cost accounting; the API reports
	// usage, not dollars.
	CostPer1KTokens float64       `yaml:"cost_per_1k_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Client calls a chat completion endpoint to enrich raw items.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ stage.Enricher = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// enrichment is the JSON document the model is asked to produce.
type enrichment struct {
	Summary string   `json:"summary"`
	Body    string   `json:"body"`
	Tags    []string `json:"tags"`
}

// Enrich posts the raw item to the completion API and parses the structured
// response. The returned cost reflects reported token usage and is non-zero
// whenever the API charged us, including on parse failures afterward.
func (c *Client) Enrich(ctx context.Context, item stage.RawItem) (stage.EnrichedItem, float64, error) {
	if c.cfg.APIKey == "" || c.cfg.Endpoint == "" || c.cfg.Model == "" {
		return stage.EnrichedItem{}, 0, stage.Validationf("enrichment client misconfigured")
	}

	input, err := json.Marshal(item)
	if err != nil {
		return stage.EnrichedItem{}, 0, stage.Permanentf(err, "encode raw item %s", item.ItemID)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: safePrompt(c.cfg.SystemPrompt)},
			{Role: "user", Content: string(input)},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return stage.EnrichedItem{}, 0, stage.Permanentf(err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return stage.EnrichedItem{}, 0, stage.Permanentf(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return stage.EnrichedItem{}, 0, stage.Transientf(err, "enrich %s", item.ItemID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("enrichment API %s: %s", resp.Status, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return stage.EnrichedItem{}, 0, stage.Transientf(err, "enrich %s", item.ItemID)
		}
		return stage.EnrichedItem{}, 0, stage.Permanentf(err, "enrich %s", item.ItemID)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return stage.EnrichedItem{}, 0, stage.Transientf(err, "decode enrichment response for %s", item.ItemID)
	}
	cost := c.cost(parsed.Usage.TotalTokens)
	if len(parsed.Choices) == 0 {
		return stage.EnrichedItem{}, cost, stage.Transientf(nil, "enrichment returned no choices for %s", item.ItemID)
	}

	var out enrichment
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &out); err != nil {
		// the model charged us and then produced garbage; cost still reported
		return stage.EnrichedItem{}, cost, stage.Transientf(err, "enrichment content not valid JSON for %s", item.ItemID)
	}

	return stage.EnrichedItem{
		ItemID:  item.ItemID,
		Title:   item.Title,
		Source:  item.Source,
		URL:     item.URL,
		Summary: out.Summary,
		Body:    out.Body,
		Tags:    out.Tags,
		Model:   c.cfg.Model,
	}, cost, nil
}

func (c *Client) cost(totalTokens int) float64 {
	return float64(totalTokens) / 1000.0 * c.cfg.CostPer1KTokens
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You summarize collected articles. Respond with a JSON object " +
			`containing "summary", "body", and "tags".`
	}
	return prompt
}
