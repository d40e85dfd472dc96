package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/logging"
	"github.com/sirupsen/logrus"
)

// APIError represents a non-2xx response with its status code and body
type APIError struct {
	Status     int
	Body       string
	RetryAfter string
}

func (e *APIError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("API error %d: %s (retry-after: %s)", e.Status, e.Body, e.RetryAfter)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Temporary reports whether the request may succeed if repeated
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// DecodeError is a 200 response whose body could not be decoded. Repeating
// the request will not fix it.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TradierClient reads quotes and price history from the Tradier market data API
type TradierClient struct {
	client   *http.Client
	logger   logrus.FieldLogger
	location *time.Location
	apiKey   string
	baseURL  string
	interval string
}

// TradierOptions configures NewTradierClient
type TradierOptions struct {
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	// Location is the exchange timezone used to read zone-less timestamps
	Location *time.Location
	APIKey   string
	// BaseURL overrides the sandbox/production endpoint
	BaseURL string
	// Interval is a timesales interval (1min, 5min, 15min) or "daily"
	Interval string
	Timeout  time.Duration
	Sandbox  bool
}

// NewTradierClient creates a market data client
func NewTradierClient(opts TradierOptions) *TradierClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		if opts.Sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	interval := opts.Interval
	if interval == "" {
		interval = "5min"
	}
	return &TradierClient{
		client:   client,
		logger:   logging.OrDiscard(opts.Logger),
		location: loc,
		apiKey:   opts.APIKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		interval: interval,
	}
}

// Tradier returns a single object instead of a one-element array
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type timesalesResponse struct {
	Series *struct {
		Data singleOrArray[struct {
			Time   string  `json:"time"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		}] `json:"data"`
	} `json:"series"`
}

type historyResponse struct {
	History *struct {
		Day singleOrArray[struct {
			Date   string  `json:"date"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		}] `json:"day"`
	} `json:"history"`
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[struct {
			Symbol    string  `json:"symbol"`
			Last      float64 `json:"last"`
			Open      float64 `json:"open"`
			High      float64 `json:"high"`
			Low       float64 `json:"low"`
			Volume    int64   `json:"volume"`
			TradeDate int64   `json:"trade_date"`
		}] `json:"quote"`
	} `json:"quotes"`
}

// GetBars implements Provider using timesales for intraday intervals and
// history for daily bars
func (t *TradierClient) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	if t.interval == "daily" {
		return t.history(ctx, symbol, start, end)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", t.interval)
	params.Set("start", start.In(t.location).Format("2006-01-02 15:04"))
	params.Set("end", end.In(t.location).Format("2006-01-02 15:04"))
	params.Set("session_filter", "open")

	var resp timesalesResponse
	if err := t.get(ctx, "/markets/timesales", params, &resp); err != nil {
		return nil, fmt.Errorf("timesales for %s: %w", symbol, err)
	}
	if resp.Series == nil {
		return nil, nil
	}
	bars := make([]Bar, 0, len(resp.Series.Data))
	for _, d := range resp.Series.Data {
		ts, err := time.ParseInLocation("2006-01-02T15:04:05", d.Time, t.location)
		if err != nil {
			return nil, fmt.Errorf("parsing timesales time %q: %w", d.Time, err)
		}
		bars = append(bars, Bar{Time: ts, Symbol: symbol, Open: d.Open, High: d.High, Low: d.Low, Close: d.Close, Volume: d.Volume})
	}
	return inRange(bars, start, end), nil
}

func (t *TradierClient) history(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", "daily")
	params.Set("start", start.In(t.location).Format("2006-01-02"))
	params.Set("end", end.In(t.location).Format("2006-01-02"))

	var resp historyResponse
	if err := t.get(ctx, "/markets/history", params, &resp); err != nil {
		return nil, fmt.Errorf("history for %s: %w", symbol, err)
	}
	if resp.History == nil {
		return nil, nil
	}
	bars := make([]Bar, 0, len(resp.History.Day))
	for _, d := range resp.History.Day {
		day, err := time.ParseInLocation("2006-01-02", d.Date, t.location)
		if err != nil {
			return nil, fmt.Errorf("parsing history date %q: %w", d.Date, err)
		}
		// daily bars are stamped at the 16:00 close
		bars = append(bars, Bar{Time: day.Add(16 * time.Hour), Symbol: symbol, Open: d.Open, High: d.High, Low: d.Low, Close: d.Close, Volume: d.Volume})
	}
	return bars, nil
}

// GetQuote implements Quoter
func (t *TradierClient) GetQuote(ctx context.Context, symbol string) (Bar, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")

	var resp quotesResponse
	if err := t.get(ctx, "/markets/quotes", params, &resp); err != nil {
		return Bar{}, fmt.Errorf("quote for %s: %w", symbol, err)
	}
	if len(resp.Quotes.Quote) == 0 {
		return Bar{}, fmt.Errorf("%w: no quote for %s", ErrNoData, symbol)
	}
	q := resp.Quotes.Quote[0]
	at := time.Now().In(t.location)
	if q.TradeDate > 0 {
		at = time.UnixMilli(q.TradeDate).In(t.location)
	}
	return Bar{Time: at, Symbol: symbol, Open: q.Open, High: q.High, Low: q.Low, Close: q.Last, Volume: q.Volume}, nil
}

func (t *TradierClient) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := t.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "scranton-ledger/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Warn("Failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" {
		t.logger.WithField("remaining", remaining).Debug("Tradier rate limit")
	}

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> failed to read error body", path)}
		}
		return &APIError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("GET %s -> %s", path, strings.TrimSpace(string(body))),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return &DecodeError{Path: path, Err: err}
	}
	return nil
}
