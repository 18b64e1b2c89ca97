// Package environment implements the image counting environment: it draws
// dataset items, samples candidate answers from a model and scores them into
// training batches.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/boristopalov/countenv/pkg/core"
	"github.com/boristopalov/countenv/pkg/dataset"
	"github.com/boristopalov/countenv/pkg/imaging"
	"github.com/boristopalov/countenv/pkg/tokenize"
)

const (
	DefaultName               = "pixmo_count"
	DefaultGroupSize          = 2
	DefaultMaxTokens          = 512
	DefaultTimeout            = 60 * time.Second
	DefaultMinTrainableTokens = 10

	DefaultSystemPrompt = "You must submit your answer enclosed in <answer> tags, e.g., <answer>3</answer>"
)

var ErrCompletionCount = errors.New("unexpected number of completions")

var tracer = otel.Tracer("github.com/boristopalov/countenv/pkg/environment")

// Generator returns req.N completions for one chat request
type Generator interface {
	ChatCompletion(ctx context.Context, req core.ChatRequest) ([]string, error)
}

// Tokenizer maps a conversation to tokens and a loss mask
type Tokenizer interface {
	Tokenize(messages []core.Message) (tokenize.Result, error)
}

// ImageEncoder turns an image URL into a base64 PNG payload
type ImageEncoder interface {
	EncodePNG(ctx context.Context, url string) (string, error)
}

type EnvParams struct {
	Name               string
	GroupSize          int
	MaxTokens          int
	Timeout            time.Duration
	MinTrainableTokens int
	SystemPrompt       string
	Images             ImageEncoder
	Logger             *slog.Logger
	Shuffle            func(n int, swap func(i, j int))
}

type EnvOption func(*EnvParams)

func WithName(name string) EnvOption {
	return func(p *EnvParams) {
		p.Name = name
	}
}

// WithGroupSize sets both the samples requested per item and the batch capacity
func WithGroupSize(n int) EnvOption {
	return func(p *EnvParams) {
		p.GroupSize = n
	}
}

func WithMaxTokens(n int) EnvOption {
	return func(p *EnvParams) {
		p.MaxTokens = n
	}
}

func WithTimeout(d time.Duration) EnvOption {
	return func(p *EnvParams) {
		p.Timeout = d
	}
}

func WithMinTrainableTokens(n int) EnvOption {
	return func(p *EnvParams) {
		p.MinTrainableTokens = n
	}
}

func WithSystemPrompt(prompt string) EnvOption {
	return func(p *EnvParams) {
		p.SystemPrompt = prompt
	}
}

func WithImageEncoder(enc ImageEncoder) EnvOption {
	return func(p *EnvParams) {
		p.Images = enc
	}
}

func WithLogger(logger *slog.Logger) EnvOption {
	return func(p *EnvParams) {
		p.Logger = logger
	}
}

// WithShuffle replaces the permutation applied before scoring
func WithShuffle(shuffle func(n int, swap func(i, j int))) EnvOption {
	return func(p *EnvParams) {
		p.Shuffle = shuffle
	}
}

func defaultEnvParams() *EnvParams {
	return &EnvParams{
		Name:               DefaultName,
		GroupSize:          DefaultGroupSize,
		MaxTokens:          DefaultMaxTokens,
		Timeout:            DefaultTimeout,
		MinTrainableTokens: DefaultMinTrainableTokens,
		SystemPrompt:       DefaultSystemPrompt,
		Shuffle:            rand.Shuffle,
	}
}

// CountingEnvironment asks a model how many objects of a labeled kind an
// image contains. It is safe for concurrent use.
type CountingEnvironment struct {
	name               string
	groupSize          int
	maxTokens          int
	timeout            time.Duration
	minTrainableTokens int
	systemPrompt       string

	source    dataset.Source
	generator Generator
	tokenizer Tokenizer
	images    ImageEncoder
	shuffle   func(n int, swap func(i, j int))
	logger    *slog.Logger

	cursor atomic.Uint64
}

var _ core.Environment = (*CountingEnvironment)(nil)

func NewCountingEnvironment(source dataset.Source, generator Generator, tokenizer Tokenizer, opts ...EnvOption) (*CountingEnvironment, error) {
	params := defaultEnvParams()
	for _, opt := range opts {
		opt(params)
	}

	switch {
	case source == nil:
		return nil, fmt.Errorf("dataset source is required")
	case generator == nil:
		return nil, fmt.Errorf("generator is required")
	case tokenizer == nil:
		return nil, fmt.Errorf("tokenizer is required")
	case params.GroupSize < 1:
		return nil, fmt.Errorf("group size must be positive, got %d", params.GroupSize)
	case params.MaxTokens < 1:
		return nil, fmt.Errorf("max tokens must be positive, got %d", params.MaxTokens)
	case params.Timeout <= 0:
		return nil, fmt.Errorf("timeout must be positive, got %s", params.Timeout)
	case params.MinTrainableTokens < 1:
		return nil, fmt.Errorf("min trainable tokens must be positive, got %d", params.MinTrainableTokens)
	}

	if params.Images == nil {
		params.Images = imaging.NewImageFetcher()
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.Shuffle == nil {
		params.Shuffle = rand.Shuffle
	}

	return &CountingEnvironment{
		name:               params.Name,
		groupSize:          params.GroupSize,
		maxTokens:          params.MaxTokens,
		timeout:            params.Timeout,
		minTrainableTokens: params.MinTrainableTokens,
		systemPrompt:       params.SystemPrompt,
		source:             source,
		generator:          generator,
		tokenizer:          tokenizer,
		images:             params.Images,
		shuffle:            params.Shuffle,
		logger:             params.Logger.With(slog.String("env", params.Name)),
	}, nil
}

func (e *CountingEnvironment) Name() string {
	return e.name
}

func (e *CountingEnvironment) GroupSize() int {
	return e.groupSize
}

// Evaluate is a no-op; this environment has no held-out evaluation
func (e *CountingEnvironment) Evaluate(ctx context.Context) error {
	return nil
}
