package adapter

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// ImageTokenCost is the flat estimate charged for an image attachment that is
// passed to a vision model.
const ImageTokenCost = 85

// Estimator counts the tokens of a piece of text.
type Estimator interface {
	Count(text string) int
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(text string) int

func (f EstimatorFunc) Count(text string) int { return f(text) }

// CharEstimator approximates four characters per token.
var CharEstimator = EstimatorFunc(func(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
})

type tiktokenEstimator struct {
	codec tokenizer.Codec
}

func (e *tiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return CharEstimator.Count(text)
	}
	return len(ids)
}

var (
	defaultOnce      sync.Once
	defaultEstimator Estimator
)

// DefaultEstimator returns a cl100k_base tokenizer, or CharEstimator when the
// encoding cannot be loaded.
func DefaultEstimator() Estimator {
	defaultOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("Falling back to character token estimate")
			defaultEstimator = CharEstimator
			return
		}
		defaultEstimator = &tiktokenEstimator{codec: codec}
	})
	return defaultEstimator
}
