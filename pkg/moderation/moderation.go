// Package moderation runs the policy precheck on the last user message before
// a generation is allowed to reach the backend.
package moderation

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// Verdict is the result of a precheck.
type Verdict struct {
	Flagged    bool
	Categories []string
}

// Explanation is the text shown instead of an answer for a flagged message.
func (v Verdict) Explanation() string {
	if !v.Flagged {
		return ""
	}
	if len(v.Categories) == 0 {
		return "This message was flagged by the moderation check and was not sent."
	}
	return "This message was flagged by the moderation check (" + strings.Join(v.Categories, ", ") + ") and was not sent."
}

type Moderator interface {
	Check(ctx context.Context, text string) (Verdict, error)
}

type ModeratorFunc func(ctx context.Context, text string) (Verdict, error)

func (f ModeratorFunc) Check(ctx context.Context, text string) (Verdict, error) {
	return f(ctx, text)
}

// OpenAIModerator uses the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client *openai.Client
	model  string
}

type OpenAIOption func(*openai.ClientConfig, *OpenAIModerator)

func WithBaseURL(url string) OpenAIOption {
	return func(c *openai.ClientConfig, _ *OpenAIModerator) {
		c.BaseURL = url
	}
}

func WithModel(model string) OpenAIOption {
	return func(_ *openai.ClientConfig, m *OpenAIModerator) {
		m.model = model
	}
}

func NewOpenAIModerator(apiKey string, options ...OpenAIOption) *OpenAIModerator {
	config := openai.DefaultConfig(apiKey)
	m := &OpenAIModerator{model: openai.ModerationTextLatest}
	for _, o := range options {
		o(&config, m)
	}
	m.client = openai.NewClientWithConfig(config)
	return m
}

func (m *OpenAIModerator) Check(ctx context.Context, text string) (Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return Verdict{}, nil
	}
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: m.model,
	})
	if err != nil {
		return Verdict{}, errors.Wrap(err, "moderation request failed")
	}

	var v Verdict
	seen := map[string]struct{}{}
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		v.Flagged = true
		for _, c := range flaggedCategories(r.Categories) {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				v.Categories = append(v.Categories, c)
			}
		}
	}
	sort.Strings(v.Categories)
	if v.Flagged {
		log.Info().Strs("categories", v.Categories).Msg("message flagged by moderation")
	}
	return v, nil
}

func flaggedCategories(c openai.ResultCategories) []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(c.Hate, "hate")
	add(c.HateThreatening, "hate/threatening")
	add(c.SelfHarm, "self-harm")
	add(c.Sexual, "sexual")
	add(c.SexualMinors, "sexual/minors")
	add(c.Violence, "violence")
	add(c.ViolenceGraphic, "violence/graphic")
	return out
}

var _ Moderator = (*OpenAIModerator)(nil)
