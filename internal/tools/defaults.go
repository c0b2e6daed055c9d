package tools

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ineffabledeeps/asym-assistant/internal/config"
)

// NewDefaultRegistry registers the weather, motorsport and stock tools
// against the providers named in cfg.
func NewDefaultRegistry(cfg config.Config, httpClient *http.Client, logger *zap.Logger) (*Registry, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.ToolHTTPTimeout}
	}

	registry := NewRegistry(logger)
	for _, tool := range []Tool{
		NewWeatherClient(cfg.WeatherGeocodingURL, cfg.WeatherForecastURL, httpClient).Tool(),
		NewMotorsportClient(cfg.MotorsportBaseURL, httpClient).Tool(),
		NewStockClient(cfg.StockBaseURL, cfg.StockAPIKey, httpClient).Tool(),
	} {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}
	return registry, nil
}
