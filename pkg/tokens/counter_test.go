package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedCounterMemoizesPerText(t *testing.T) {
	calls := 0
	inner := CounterFunc(func(text string, modelID string) int {
		calls++
		return len(strings.Fields(text))
	})
	c := NewCachedCounter(inner)

	assert.Equal(t, 3, c.Count("one two three", "m"))
	assert.Equal(t, 3, c.Count("one two three", "m"))
	require.Equal(t, 1, calls)

	assert.Equal(t, 2, c.Count("one two", "m"))
	assert.Equal(t, 3, c.Count("one two three", "other-model"))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, c.Len())
}

func TestCachedCounterEmptyTextIsZero(t *testing.T) {
	c := NewCachedCounter(CounterFunc(func(string, string) int {
		t.Fatal("inner counter should not be called for empty text")
		return 0
	}))
	assert.Equal(t, 0, c.Count("", "m"))
}

func TestEstimateImageTokens(t *testing.T) {
	assert.Equal(t, 85+170, EstimateImageTokens(512, 512))
	assert.Equal(t, 85+170*4, EstimateImageTokens(1024, 1024))
	assert.Equal(t, EstimateImageTokens(1024, 1024), EstimateImageTokens(0, 0))
}

func TestEstimateTextTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTextTokens(""))
	assert.Equal(t, 1, EstimateTextTokens("abc"))
	assert.Equal(t, 2, EstimateTextTokens("abcdefgh"))
}
