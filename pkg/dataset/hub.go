package dataset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultHubEndpoint = "https://datasets-server.huggingface.co"
	defaultPageSize    = 100
)

// HubSource reads a split of a Hugging Face dataset through the
// datasets-server rows API. Rows are fetched a page at a time and cached.
type HubSource struct {
	dataset  string
	config   string
	split    string
	endpoint string
	pageSize int
	client   *http.Client
	logger   *slog.Logger

	mu    sync.RWMutex
	total int // -1 until the first page is fetched
	pages map[int][]Record
}

type HubOption func(*HubSource)

func WithEndpoint(endpoint string) HubOption {
	return func(s *HubSource) {
		s.endpoint = strings.TrimRight(endpoint, "/")
	}
}

func WithHTTPClient(client *http.Client) HubOption {
	return func(s *HubSource) {
		s.client = client
	}
}

func WithPageSize(n int) HubOption {
	return func(s *HubSource) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithHubLogger(logger *slog.Logger) HubOption {
	return func(s *HubSource) {
		s.logger = logger
	}
}

// NewHubSource creates a source for dataset (e.g. "allenai/pixmo-count")
func NewHubSource(dataset, config, split string, opts ...HubOption) *HubSource {
	s := &HubSource{
		dataset:  dataset,
		config:   config,
		split:    split,
		endpoint: DefaultHubEndpoint,
		pageSize: defaultPageSize,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
		total:    -1,
		pages:    make(map[int][]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HubSource) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	total := s.total
	s.mu.RUnlock()
	if total >= 0 {
		return total, nil
	}

	if _, err := s.page(ctx, 0); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total, nil
}

func (s *HubSource) Get(ctx context.Context, i int) (Record, error) {
	n, err := s.Len(ctx)
	if err != nil {
		return Record{}, err
	}
	if i < 0 || i >= n {
		return Record{}, fmt.Errorf("record %d of %d: %w", i, n, ErrIndexOutOfRange)
	}

	rows, err := s.page(ctx, i/s.pageSize)
	if err != nil {
		return Record{}, err
	}
	j := i % s.pageSize
	if j >= len(rows) {
		return Record{}, fmt.Errorf("record %d missing from page of %d rows: %w", i, len(rows), ErrIndexOutOfRange)
	}
	return rows[j], nil
}

func (s *HubSource) page(ctx context.Context, p int) ([]Record, error) {
	s.mu.RLock()
	rows, ok := s.pages[p]
	s.mu.RUnlock()
	if ok {
		return rows, nil
	}

	body, err := s.fetchRows(ctx, p*s.pageSize, s.pageSize)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	if msg := parsed.Get("error"); msg.Exists() {
		return nil, fmt.Errorf("datasets-server: %s", msg.String())
	}
	rows = make([]Record, 0, s.pageSize)
	for _, row := range parsed.Get("rows.#.row").Array() {
		rows = append(rows, Record{
			Label:    row.Get("label").String(),
			Count:    int(row.Get("count").Int()),
			ImageURL: row.Get("image_url").String(),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[p] = rows
	if total := parsed.Get("num_rows_total"); total.Exists() {
		s.total = int(total.Int())
	} else if s.total < 0 {
		s.total = len(rows)
	}
	s.logger.Debug("fetched dataset page",
		slog.String("dataset", s.dataset),
		slog.Int("page", p),
		slog.Int("rows", len(rows)),
		slog.Int("total", s.total),
	)
	return rows, nil
}

func (s *HubSource) fetchRows(ctx context.Context, offset, length int) ([]byte, error) {
	q := url.Values{}
	q.Set("dataset", s.dataset)
	q.Set("config", s.config)
	q.Set("split", s.split)
	q.Set("offset", fmt.Sprint(offset))
	q.Set("length", fmt.Sprint(length))
	u := s.endpoint + "/rows?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch rows: status %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
	}
	return body, nil
}
