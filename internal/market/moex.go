// Package market fetches daily price history from the Moscow Exchange
// Informational & Statistical Server (ISS).
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/moexadvisor/internal/metrics"
)

const (
	DefaultBaseURL = "https://iss.moex.com/iss"
	DefaultEngine  = "stock"
	DefaultMarket  = "shares"
	DefaultBoard   = "TQBR"

	// IntervalDaily is the ISS candle interval code for daily bars.
	IntervalDaily = 24

	historyColumns = "TRADEDATE,OPEN,HIGH,LOW,CLOSE,LEGALCLOSEPRICE,VOLUME,VALUE,NUMTRADES"
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
	userAgent      = "moexadvisor-iss-client/1.0"
)

// ClientConfig configures an ISS client.
type ClientConfig struct {
	BaseURL           string
	Engine            string
	Market            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Retries           int
	Backoff           time.Duration
	HTTPClient        *http.Client
}

// Client is a thin ISS client for the history and candles endpoints of
// one engine/market pair.
type Client struct {
	baseURL    string
	engine     string
	market     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retries    int
	backoff    time.Duration
	log        zerolog.Logger
}

// NewClient creates an ISS client. Zero fields take the defaults: stock
// shares, 4 attempts with 0.5s linear backoff, 5 requests per second.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Engine == "" {
		cfg.Engine = DefaultEngine
	}
	if cfg.Market == "" {
		cfg.Market = DefaultMarket
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Retries < 1 {
		cfg.Retries = 4
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		engine:     cfg.Engine,
		market:     cfg.Market,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		retries:    cfg.Retries,
		backoff:    cfg.Backoff,
		log:        log.With().Str("component", "moex-iss").Str("market", cfg.Engine+"/"+cfg.Market).Logger(),
	}
}

// ForMarket returns a client for another engine/market sharing the same
// transport and rate limiter.
func (c *Client) ForMarket(engine, market string) *Client {
	cp := *c
	cp.engine = engine
	cp.market = market
	cp.log = log.With().Str("component", "moex-iss").Str("market", engine+"/"+market).Logger()
	return &cp
}

// HistoryRow is one end-of-day record from the history endpoint.
type HistoryRow struct {
	SecID      string    `json:"secid"`
	TradeDate  time.Time `json:"trade_date"`
	Open       *float64  `json:"open"`
	High       *float64  `json:"high"`
	Low        *float64  `json:"low"`
	Close      *float64  `json:"close"`
	LegalClose *float64  `json:"legal_close"`
	Volume     float64   `json:"volume"`
	Value      float64   `json:"value"`
	NumTrades  int       `json:"num_trades"`
}

// PreferredClose is the legal close price when published, else the last
// trade close.
func (r HistoryRow) PreferredClose() (float64, bool) {
	if r.LegalClose != nil {
		return *r.LegalClose, true
	}
	if r.Close != nil {
		return *r.Close, true
	}
	return 0, false
}

// Candle is one OHLCV bar from the candles endpoint.
type Candle struct {
	SecID  string    `json:"secid"`
	Begin  time.Time `json:"begin"`
	End    time.Time `json:"end"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Value  float64   `json:"value"`
}

// HistoryDaily returns daily EOD rows for secid on board between from and
// till inclusive.
func (c *Client) HistoryDaily(ctx context.Context, secid string, from, till time.Time, board string) ([]HistoryRow, error) {
	if board == "" {
		board = DefaultBoard
	}
	path := fmt.Sprintf("/history/engines/%s/markets/%s/boards/%s/securities/%s.json", c.engine, c.market, board, secid)
	params := url.Values{}
	params.Set("from", from.Format(dateLayout))
	params.Set("till", till.Format(dateLayout))
	params.Set("history.columns", historyColumns)

	rows, err := c.paginate(ctx, path, params, "history")
	if err != nil {
		return nil, err
	}

	out := make([]HistoryRow, 0, len(rows))
	for _, r := range rows {
		d, err := time.Parse(dateLayout, r.str("TRADEDATE"))
		if err != nil {
			continue
		}
		out = append(out, HistoryRow{
			SecID:      secid,
			TradeDate:  d,
			Open:       r.num("OPEN"),
			High:       r.num("HIGH"),
			Low:        r.num("LOW"),
			Close:      r.num("CLOSE"),
			LegalClose: r.num("LEGALCLOSEPRICE"),
			Volume:     r.numOr("VOLUME", 0),
			Value:      r.numOr("VALUE", 0),
			NumTrades:  int(r.numOr("NUMTRADES", 0)),
		})
	}
	return out, nil
}

// Candles returns OHLCV bars of the given interval (24 = daily).
func (c *Client) Candles(ctx context.Context, secid string, from, till time.Time, interval int) ([]Candle, error) {
	path := fmt.Sprintf("/engines/%s/markets/%s/securities/%s/candles.json", c.engine, c.market, secid)
	params := url.Values{}
	params.Set("from", from.Format(dateLayout))
	params.Set("till", till.Format(dateLayout))
	params.Set("interval", strconv.Itoa(interval))

	rows, err := c.paginate(ctx, path, params, "candles")
	if err != nil {
		return nil, err
	}

	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		begin, err1 := parseISSTime(r.str("begin"))
		end, err2 := parseISSTime(r.str("end"))
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Candle{
			SecID:  secid,
			Begin:  begin,
			End:    end,
			Open:   r.numOr("open", 0),
			High:   r.numOr("high", 0),
			Low:    r.numOr("low", 0),
			Close:  r.numOr("close", 0),
			Volume: r.numOr("volume", 0),
			Value:  r.numOr("value", 0),
		})
	}
	return out, nil
}

// issTable is one ISS data block: {"columns": [...], "data": [[...], ...]}.
type issTable struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

type issRow map[string]any

func (r issRow) str(col string) string {
	if s, ok := r[col].(string); ok {
		return s
	}
	return ""
}

func (r issRow) num(col string) *float64 {
	switch v := r[col].(type) {
	case float64:
		return &v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func (r issRow) numOr(col string, def float64) float64 {
	if v := r.num(col); v != nil {
		return *v
	}
	return def
}

// rows keys every data row by column name. Lookups are case-insensitive
// because ISS uses upper case for history and lower case for candles.
func (t issTable) rows() []issRow {
	out := make([]issRow, 0, len(t.Data))
	for _, d := range t.Data {
		row := make(issRow, len(t.Columns)*2)
		for i, col := range t.Columns {
			if i >= len(d) {
				break
			}
			row[col] = d[i]
			row[strings.ToUpper(col)] = d[i]
			row[strings.ToLower(col)] = d[i]
		}
		out = append(out, row)
	}
	return out
}

// cursor reads the (INDEX, TOTAL, PAGESIZE) triple of a "<block>.cursor"
// table by column name.
func (t issTable) cursor() (index, total, pageSize int, ok bool) {
	if len(t.Data) == 0 {
		return 0, 0, 0, false
	}
	row := t.rows()[0]
	i, t1, p := row.num("INDEX"), row.num("TOTAL"), row.num("PAGESIZE")
	if i == nil || t1 == nil || p == nil {
		return 0, 0, 0, false
	}
	return int(*i), int(*t1), int(*p), true
}

// paginate follows the block cursor until every row has been read.
func (c *Client) paginate(ctx context.Context, path string, params url.Values, block string) ([]issRow, error) {
	var all []issRow
	start := 0

	for {
		p := url.Values{}
		for k, v := range params {
			p[k] = v
		}
		p.Set("start", strconv.Itoa(start))

		doc, err := c.getJSON(ctx, path, p)
		if err != nil {
			return nil, err
		}

		raw, ok := doc[block]
		if !ok {
			break
		}
		var tbl issTable
		if err := json.Unmarshal(raw, &tbl); err != nil {
			return nil, fmt.Errorf("failed to decode %s block: %w", block, err)
		}
		if len(tbl.Data) == 0 {
			break
		}
		all = append(all, tbl.rows()...)

		rawCursor, ok := doc[block+".cursor"]
		if !ok {
			break
		}
		var cur issTable
		if err := json.Unmarshal(rawCursor, &cur); err != nil {
			break
		}
		index, total, pageSize, ok := cur.cursor()
		if !ok || pageSize <= 0 || index+pageSize >= total {
			break
		}
		start = index + pageSize
	}

	return all, nil
}

// getJSON performs a rate-limited GET with linear backoff between attempts.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values) (map[string]json.RawMessage, error) {
	endpoint := c.baseURL + path + "?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		start := time.Now()
		doc, err := c.fetch(ctx, endpoint)
		metrics.RecordISSRequest(path, float64(time.Since(start).Milliseconds()), err)
		if err == nil {
			return doc, nil
		}
		lastErr = err

		if attempt == c.retries {
			break
		}

		wait := c.backoff * time.Duration(attempt)
		c.log.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Str("path", path).
			Msg("ISS request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, fmt.Errorf("ISS request %s failed after %d attempts: %w", path, c.retries, lastErr)
}

func (c *Client) fetch(ctx context.Context, endpoint string) (map[string]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return doc, nil
}

func parseISSTime(s string) (time.Time, error) {
	if t, err := time.Parse(dateTimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
