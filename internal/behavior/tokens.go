package behavior

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts model tokens in a piece of text.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with the BPE encoding of a model.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter selects the tokenizer for model, falling back to
// cl100k_base for unknown models.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
