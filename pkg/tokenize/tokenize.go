// Package tokenize turns chat conversations into token ids and loss masks.
package tokenize

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/boristopalov/countenv/pkg/core"
)

// IgnoreIndex marks a mask position that does not contribute to the loss
const IgnoreIndex = -100

// DefaultEncoding is the GPT-2 byte pair encoding
const DefaultEncoding = string(tokenizer.R50kBase)

// Result holds parallel token and mask slices. Masks[i] is Tokens[i] for
// trainable positions and IgnoreIndex otherwise.
type Result struct {
	Tokens []int
	Masks  []int
}

// Trainable counts positions that contribute to the loss
func (r Result) Trainable() int {
	n := 0
	for _, m := range r.Masks {
		if m != IgnoreIndex {
			n++
		}
	}
	return n
}

// ChatTokenizer renders each turn as a role header followed by its content.
// Only assistant content is trainable.
type ChatTokenizer struct {
	encoding tokenizer.Encoding

	once  sync.Once
	codec tokenizer.Codec
	err   error
}

func NewChatTokenizer(encoding string) *ChatTokenizer {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &ChatTokenizer{encoding: tokenizer.Encoding(encoding)}
}

func (t *ChatTokenizer) getCodec() (tokenizer.Codec, error) {
	t.once.Do(func() {
		t.codec, t.err = tokenizer.Get(t.encoding)
		if t.err != nil {
			t.err = fmt.Errorf("failed to get tokenizer encoding %s: %w", t.encoding, t.err)
		}
	})
	return t.codec, t.err
}

// Tokenize encodes the conversation
func (t *ChatTokenizer) Tokenize(messages []core.Message) (Result, error) {
	codec, err := t.getCodec()
	if err != nil {
		return Result{}, err
	}

	var res Result
	add := func(text string, trainable bool) error {
		if text == "" {
			return nil
		}
		ids, _, err := codec.Encode(text)
		if err != nil {
			return fmt.Errorf("failed to encode %q: %w", text, err)
		}
		for _, id := range ids {
			res.Tokens = append(res.Tokens, int(id))
			if trainable {
				res.Masks = append(res.Masks, int(id))
			} else {
				res.Masks = append(res.Masks, IgnoreIndex)
			}
		}
		return nil
	}

	for _, m := range messages {
		if err := add("<|"+m.Role+"|>\n", false); err != nil {
			return Result{}, err
		}
		if err := add(m.Content, m.Role == core.RoleAssistant); err != nil {
			return Result{}, err
		}
		if err := add("\n", false); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}
