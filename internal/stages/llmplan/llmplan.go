// Package llmplan drafts specification bodies with an OpenAI model.
package llmplan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"ticketline/internal/domain"
)

const DefaultModel = openai.ChatModelGPT4o

const instructions = `You write implementation specifications for software tickets.
Answer in Markdown with the sections "Approach", "Files to change" and "Risks".
Be concrete and brief. Do not restate the ticket.`

// Drafter implements specdoc.Drafter.
type Drafter struct {
	client    openai.Client
	model     openai.ChatModel
	maxTokens int64
}

type Option func(*config)

type config struct {
	model     openai.ChatModel
	maxTokens int64
	options   []option.RequestOption
}

func WithAPIKey(key string) Option {
	return func(c *config) { c.options = append(c.options, option.WithAPIKey(key)) }
}

func WithBaseURL(url string) Option {
	return func(c *config) {
		if url != "" {
			c.options = append(c.options, option.WithBaseURL(url))
		}
	}
}

func WithModel(model string) Option {
	return func(c *config) {
		if model != "" {
			c.model = openai.ChatModel(model)
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(c *config) { c.options = append(c.options, option.WithMaxRetries(n)) }
}

func New(opts ...Option) *Drafter {
	c := config{model: DefaultModel, maxTokens: 2048}
	for _, opt := range opts {
		opt(&c)
	}
	return &Drafter{client: openai.NewClient(c.options...), model: c.model, maxTokens: c.maxTokens}
}

func (d *Drafter) Draft(ctx context.Context, ticket domain.Ticket) (string, error) {
	resp, err := d.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           d.model,
		Instructions:    openai.String(instructions),
		MaxOutputTokens: openai.Int(d.maxTokens),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(prompt(ticket)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai responses: %w", err)
	}
	text := outputText(resp)
	if text == "" {
		return "", errors.New("openai returned no text")
	}
	return text, nil
}

func prompt(t domain.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %s in %s\n", t.ID, t.RepositoryURL)
	if t.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", t.Title)
	}
	if len(t.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(t.Labels, ", "))
	}
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	return b.String()
}

func outputText(resp *responses.Response) string {
	var parts []string
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.AsMessage().Content {
			if content.Type == "output_text" {
				parts = append(parts, content.AsOutputText().Text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
