package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const StockToolName = "getStockPrice"

var (
	ErrMissingStockAPIKey = errors.New("stock api key is not configured")
	stockSymbolPattern    = regexp.MustCompile(`^[A-Z0-9.\-]{1,12}$`)
)

type StockInput struct {
	Symbol string `json:"symbol" jsonschema_description:"Ticker symbol, e.g. AAPL or MSFT"`
}

type StockCard struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Low              float64 `json:"low"`
	PreviousClose    float64 `json:"previousClose"`
	Change           float64 `json:"change"`
	ChangePercent    float64 `json:"changePercent"`
	Volume           int64   `json:"volume"`
	LatestTradingDay string  `json:"latestTradingDay"`
}

type StockClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type globalQuoteResponse struct {
	Quote       map[string]string `json:"Global Quote"`
	Note        string            `json:"Note"`
	Information string            `json:"Information"`
	Error       string            `json:"Error Message"`
}

func NewStockClient(baseURL, apiKey string, httpClient *http.Client) StockClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return StockClient{
		baseURL:    trimBaseURL(baseURL),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
}

func (c StockClient) Quote(ctx context.Context, symbol string) (StockCard, error) {
	if c.apiKey == "" {
		return StockCard{}, ErrMissingStockAPIKey
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !stockSymbolPattern.MatchString(symbol) {
		return StockCard{}, fmt.Errorf("invalid stock symbol %q", symbol)
	}

	var payload globalQuoteResponse
	if err := getJSON(ctx, c.httpClient, "stock", c.baseURL+"/query", url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {symbol},
		"apikey":   {c.apiKey},
	}, &payload); err != nil {
		return StockCard{}, err
	}

	switch {
	case payload.Error != "":
		return StockCard{}, fmt.Errorf("stock provider error: %s", payload.Error)
	case payload.Note != "":
		return StockCard{}, fmt.Errorf("stock provider throttled: %s", payload.Note)
	case payload.Information != "":
		return StockCard{}, fmt.Errorf("stock provider unavailable: %s", payload.Information)
	case len(payload.Quote) == 0:
		return StockCard{}, fmt.Errorf("no quote found for %s", symbol)
	}

	q := payload.Quote
	card := StockCard{
		Symbol:           q["01. symbol"],
		Open:             parseQuoteFloat(q["02. open"]),
		High:             parseQuoteFloat(q["03. high"]),
		Low:              parseQuoteFloat(q["04. low"]),
		Price:            parseQuoteFloat(q["05. price"]),
		LatestTradingDay: q["07. latest trading day"],
		PreviousClose:    parseQuoteFloat(q["08. previous close"]),
		Change:           parseQuoteFloat(q["09. change"]),
		ChangePercent:    parseQuoteFloat(strings.TrimSuffix(q["10. change percent"], "%")),
	}
	card.Volume, _ = strconv.ParseInt(strings.TrimSpace(q["06. volume"]), 10, 64)
	if card.Symbol == "" {
		card.Symbol = symbol
	}
	return card, nil
}

func (c StockClient) Tool() Tool {
	return NewTool(StockToolName,
		"Get the latest price quote for a stock ticker symbol.",
		func(ctx context.Context, in StockInput) (StockCard, error) {
			return c.Quote(ctx, in.Symbol)
		})
}

func parseQuoteFloat(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return value
}
