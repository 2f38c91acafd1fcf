package chat

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// perTurnOverhead approximates the framing tokens the chat format adds per message.
const perTurnOverhead = 4

// TokenCounter estimates the prompt size of a context. It is only used for
// diagnostics; nothing is dropped based on the estimate.
type TokenCounter struct {
	codec tokenizer.Codec
}

func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "load cl100k_base codec")
	}
	return &TokenCounter{codec: codec}, nil
}

func (tc *TokenCounter) Count(turns []Turn) (int, error) {
	if tc == nil || tc.codec == nil {
		return 0, errors.New("token counter not initialized")
	}
	total := 0
	for _, t := range turns {
		ids, _, err := tc.codec.Encode(t.Content)
		if err != nil {
			return 0, errors.Wrap(err, "encode turn")
		}
		total += len(ids) + perTurnOverhead
	}
	return total, nil
}
