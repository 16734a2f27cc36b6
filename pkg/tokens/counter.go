// Package tokens provides the token counter used to fill message token counts.
package tokens

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// Counter counts the tokens of text for a model. Implementations must be pure:
// the same text and model always give the same non-negative count.
type Counter interface {
	Count(text string, modelID string) int
}

type CounterFunc func(text string, modelID string) int

func (f CounterFunc) Count(text string, modelID string) int {
	return f(text, modelID)
}

// TiktokenCounter counts with the tiktoken codec of the model, falling back to
// cl100k_base for models tiktoken does not know.
type TiktokenCounter struct {
	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{codecs: map[string]tokenizer.Codec{}}
}

func (t *TiktokenCounter) codec(modelID string) (tokenizer.Codec, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.codecs[modelID]; ok {
		return c, nil
	}
	c, err := tokenizer.ForModel(tokenizer.Model(modelID))
	if err != nil {
		c, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, err
		}
	}
	t.codecs[modelID] = c
	return c, nil
}

func (t *TiktokenCounter) Count(text string, modelID string) int {
	if text == "" {
		return 0
	}
	c, err := t.codec(modelID)
	if err != nil {
		log.Warn().Err(err).Str("model", modelID).Msg("no tokenizer codec, estimating")
		return EstimateTextTokens(text)
	}
	ids, _, err := c.Encode(text)
	if err != nil {
		log.Warn().Err(err).Str("model", modelID).Msg("failed to encode text, estimating")
		return EstimateTextTokens(text)
	}
	return len(ids)
}

var _ Counter = (*TiktokenCounter)(nil)

// EstimateTextTokens is the rough four-characters-per-token estimate.
func EstimateTextTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateImageTokens follows the tile-based accounting used by vision
// models: a base cost plus a cost per 512px tile. Unknown sizes cost one
// high-detail 1024x1024 image.
func EstimateImageTokens(width, height int) int {
	const (
		base    = 85
		perTile = 170
		tile    = 512
	)
	if width <= 0 || height <= 0 {
		width, height = 1024, 1024
	}
	tilesW := (width + tile - 1) / tile
	tilesH := (height + tile - 1) / tile
	return base + perTile*tilesW*tilesH
}
