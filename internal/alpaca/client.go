package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Client is the HTTP Broker Gateway client. Trading endpoints live on the
// account API host; bar data lives on the data API host.
type Client struct {
	apiKey      string
	secretKey   string
	baseURL     string
	dataBaseURL string
	httpClient  *http.Client
	pacer       *pacer
}

// pacer enforces a minimum interval between requests so a single client
// stays under the broker's 200 req/min budget.
type pacer struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
}

func (p *pacer) wait(ctx context.Context) error {
	p.mu.Lock()
	next := p.last.Add(p.interval)
	now := time.Now()
	if next.After(now) {
		p.last = next
	} else {
		p.last = now
	}
	p.mu.Unlock()

	d := time.Until(next)
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewClient creates a broker client for one set of credentials
func NewClient(apiKey, secretKey, baseURL, dataBaseURL string) *Client {
	return &Client{
		apiKey:      apiKey,
		secretKey:   secretKey,
		baseURL:     baseURL,
		dataBaseURL: dataBaseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		pacer:       &pacer{interval: 350 * time.Millisecond},
	}
}

func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader) ([]byte, int, error) {
	if err := c.pacer.wait(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("error reading broker response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, newGatewayError(resp.StatusCode, data)
	}

	return data, resp.StatusCode, nil
}

func newGatewayError(status int, body []byte) *GatewayError {
	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Message == "" {
		payload.Message = string(body)
	}
	return &GatewayError{Status: status, Code: payload.Code, Message: payload.Message}
}

// GetAccount fetches the account snapshot
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	data, _, err := c.do(ctx, http.MethodGet, c.baseURL+"/v2/account", nil)
	if err != nil {
		return nil, err
	}

	var raw rawAccount
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MalformedResponseError{Field: "account", Value: string(data), Err: err}
	}
	return raw.parse()
}

// GetPositions fetches all open positions
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	data, _, err := c.do(ctx, http.MethodGet, c.baseURL+"/v2/positions", nil)
	if err != nil {
		return nil, err
	}

	var raws []rawPosition
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &MalformedResponseError{Field: "positions", Value: string(data), Err: err}
	}

	positions := make([]Position, 0, len(raws))
	for i := range raws {
		p, err := raws[i].parse()
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, nil
}

// GetBars fetches daily (or intraday) bars for a symbol, ascending by
// timestamp. Pagination is followed until the range is exhausted.
func (c *Client) GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]Bar, error) {
	if timeframe == "" {
		timeframe = "1Day"
	}

	var bars []Bar
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("start", start.UTC().Format(time.RFC3339))
		params.Set("end", end.UTC().Format(time.RFC3339))
		params.Set("timeframe", timeframe)
		params.Set("limit", strconv.Itoa(1000))
		params.Set("adjustment", "split")
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}

		endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.dataBaseURL, url.PathEscape(symbol), params.Encode())
		data, _, err := c.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}

		var page struct {
			Bars          []Bar   `json:"bars"`
			NextPageToken *string `json:"next_page_token"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, &MalformedResponseError{Field: "bars", Value: string(data), Err: err}
		}

		bars = append(bars, page.Bars...)
		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		pageToken = *page.NextPageToken
	}

	return bars, nil
}

// SubmitBracketOrder submits a market order with linked take-profit and
// stop-loss legs as a single bracket.
func (c *Client) SubmitBracketOrder(ctx context.Context, params BracketOrderParams) (*Order, error) {
	tif := params.TimeInForce
	if tif == "" {
		tif = "day"
	}

	payload := map[string]interface{}{
		"symbol":        params.Symbol,
		"qty":           strconv.FormatFloat(params.Qty, 'f', -1, 64),
		"side":          params.Side,
		"type":          "market",
		"time_in_force": tif,
		"order_class":   "bracket",
		"take_profit": map[string]string{
			"limit_price": formatPrice(params.TakeProfit),
		},
		"stop_loss": map[string]string{
			"stop_price": formatPrice(params.StopLoss),
		},
	}
	if params.ClientOrderID != "" {
		payload["client_order_id"] = params.ClientOrderID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	data, _, err := c.do(ctx, http.MethodPost, c.baseURL+"/v2/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MalformedResponseError{Field: "order", Value: string(data), Err: err}
	}
	return raw.parse()
}

// GetOrderStatus re-fetches the authoritative order state
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	endpoint := fmt.Sprintf("%s/v2/orders/%s", c.baseURL, url.PathEscape(orderID))
	data, _, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MalformedResponseError{Field: "order", Value: string(data), Err: err}
	}
	return raw.parse()
}

// CancelOrder cancels an open order
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/v2/orders/%s", c.baseURL, url.PathEscape(orderID))
	_, _, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	return err
}

// ClosePosition liquidates the whole position for a symbol with a market
// order and returns the closing order.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	endpoint := fmt.Sprintf("%s/v2/positions/%s", c.baseURL, url.PathEscape(symbol))
	data, _, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MalformedResponseError{Field: "order", Value: string(data), Err: err}
	}
	return raw.parse()
}

// Bracket leg prices go out with two decimals; sub-dollar equities allow
// four.
func formatPrice(p float64) string {
	if p < 1 {
		return strconv.FormatFloat(p, 'f', 4, 64)
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}
