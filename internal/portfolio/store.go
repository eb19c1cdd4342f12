// Package portfolio loads the user's holdings and the news feed from local
// JSON files.
package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
)

// ErrDataUnavailable is wrapped by every load failure.
var ErrDataUnavailable = errors.New("data unavailable")

const (
	DefaultPortfolioPath = "user_portfolio.json"
	DefaultNewsPath      = "sample_news.json"
)

// Loader is the data source consumed by the workflow.
type Loader interface {
	LoadPortfolio(ctx context.Context) (advisor.Portfolio, error)
	LoadNews(ctx context.Context) ([]advisor.NewsItem, error)
}

// FileStore reads the portfolio ({"SBER": {"quantity": 100, "avg_price": 250.5}})
// and news ([{"ticker", "title", "summary"}]) files on every call.
type FileStore struct {
	PortfolioPath string
	NewsPath      string
}

// NewFileStore creates a store; empty paths take the defaults.
func NewFileStore(portfolioPath, newsPath string) *FileStore {
	if portfolioPath == "" {
		portfolioPath = DefaultPortfolioPath
	}
	if newsPath == "" {
		newsPath = DefaultNewsPath
	}
	return &FileStore{PortfolioPath: portfolioPath, NewsPath: newsPath}
}

// LoadPortfolio reads and validates the portfolio file. Tickers are
// upper-cased.
func (s *FileStore) LoadPortfolio(ctx context.Context) (advisor.Portfolio, error) {
	var raw map[string]advisor.Position
	if err := readJSON(ctx, s.PortfolioPath, &raw); err != nil {
		return nil, err
	}

	out := make(advisor.Portfolio, len(raw))
	for ticker, pos := range raw {
		t := strings.ToUpper(strings.TrimSpace(ticker))
		if t == "" {
			return nil, fmt.Errorf("%w: %s: empty ticker", ErrDataUnavailable, s.PortfolioPath)
		}
		if pos.Quantity < 0 || pos.AvgPrice < 0 {
			return nil, fmt.Errorf("%w: %s: negative position for %s", ErrDataUnavailable, s.PortfolioPath, t)
		}
		out[t] = pos
	}

	log.Debug().
		Str("path", s.PortfolioPath).
		Int("positions", len(out)).
		Msg("Portfolio loaded")
	return out, nil
}

// LoadNews reads the news file. Items without a ticker are dropped.
func (s *FileStore) LoadNews(ctx context.Context) ([]advisor.NewsItem, error) {
	var raw []advisor.NewsItem
	if err := readJSON(ctx, s.NewsPath, &raw); err != nil {
		return nil, err
	}

	out := make([]advisor.NewsItem, 0, len(raw))
	for _, n := range raw {
		n.Ticker = strings.ToUpper(strings.TrimSpace(n.Ticker))
		if n.Ticker == "" {
			continue
		}
		out = append(out, n)
	}

	log.Debug().
		Str("path", s.NewsPath).
		Int("items", len(out)).
		Msg("News loaded")
	return out, nil
}

func readJSON(ctx context.Context, path string, dest any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: failed to decode %s: %w", ErrDataUnavailable, path, err)
	}
	return nil
}
