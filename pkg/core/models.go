package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is an ordered list of turns. Prompts are compared through Key.
type Prompt []Message

// Key returns a stable string identifying the prompt's turns
func (p Prompt) Key() string {
	var b strings.Builder
	for _, m := range p {
		fmt.Fprintf(&b, "%d:%s|%d:%s;", len(m.Role), m.Role, len(m.Content), m.Content)
	}
	return b.String()
}

// Text returns the content of the first turn, or "" for an empty prompt
func (p Prompt) Text() string {
	if len(p) == 0 {
		return ""
	}
	return p[0].Content
}

// Item is one training example. Image holds a base64 PNG, nil when absent.
type Item struct {
	ID     string
	Prompt Prompt
	Gold   string
	Image  *string
}

// ItemResult is what an item source hands out. Err is set when Item is a
// fallback substituted for a failed retrieval.
type ItemResult struct {
	Item Item
	Err  error
}

func (r ItemResult) Fallback() bool {
	return r.Err != nil
}

// Trajectory is one sampled conversation paired with the item's gold answer
// and payload.
type Trajectory struct {
	ItemID   string
	Messages []Message
	Gold     string
	Image    *string
}

// Reply returns the content of the final turn
func (t Trajectory) Reply() string {
	if len(t.Messages) == 0 {
		return ""
	}
	return t.Messages[len(t.Messages)-1].Content
}

// ChatMessage is a turn of a generation request. ImageURL is an optional
// inlined data URI sent alongside the text.
type ChatMessage struct {
	Role     string
	Content  string
	ImageURL string
}

// ChatRequest asks a generator for N independent completions
type ChatRequest struct {
	Messages  []ChatMessage
	N         int
	MaxTokens int
}

// ScoredBatch holds four parallel slices, one slot per retained trajectory.
// Use Append to keep them aligned.
type ScoredBatch struct {
	ID     string    `json:"id"`
	ItemID string    `json:"item_id"`
	Tokens [][]int   `json:"tokens"`
	Masks  [][]int   `json:"masks"`
	Scores []float64 `json:"scores"`
	Images []*string `json:"images"`
}

func NewScoredBatch(id, itemID string, capacity int) *ScoredBatch {
	return &ScoredBatch{
		ID:     id,
		ItemID: itemID,
		Tokens: make([][]int, 0, capacity),
		Masks:  make([][]int, 0, capacity),
		Scores: make([]float64, 0, capacity),
		Images: make([]*string, 0, capacity),
	}
}

func (b *ScoredBatch) Append(tokens, masks []int, score float64, image *string) {
	b.Tokens = append(b.Tokens, tokens)
	b.Masks = append(b.Masks, masks)
	b.Scores = append(b.Scores, score)
	b.Images = append(b.Images, image)
}

func (b *ScoredBatch) Len() int {
	return len(b.Scores)
}

// Validate checks that the four slices are aligned and hold at most
// capacity entries.
func (b *ScoredBatch) Validate(capacity int) error {
	n := len(b.Scores)
	if len(b.Tokens) != n || len(b.Masks) != n || len(b.Images) != n {
		return fmt.Errorf("misaligned batch: tokens=%d masks=%d scores=%d images=%d",
			len(b.Tokens), len(b.Masks), n, len(b.Images))
	}
	if n > capacity {
		return fmt.Errorf("batch holds %d entries, capacity is %d", n, capacity)
	}
	for i := range b.Tokens {
		if len(b.Tokens[i]) != len(b.Masks[i]) {
			return fmt.Errorf("entry %d: %d tokens but %d masks", i, len(b.Tokens[i]), len(b.Masks[i]))
		}
	}
	return nil
}

// MeanScore returns the average reward, 0 for an empty batch
func (b *ScoredBatch) MeanScore() float64 {
	if len(b.Scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range b.Scores {
		sum += s
	}
	return sum / float64(len(b.Scores))
}

type ExperimentStatus struct {
	Running   bool
	StartTime time.Time
	EndTime   time.Time
	Steps     int
	Batches   int
	Fallbacks int
	Samples   int
	Errors    []error
}
