package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const WeatherToolName = "getWeather"

type WeatherInput struct {
	Location string `json:"location" jsonschema_description:"City or place name, e.g. Berlin or San Francisco"`
}

// WeatherCard is the current-conditions payload rendered by the client.
type WeatherCard struct {
	Location        string  `json:"location"`
	Country         string  `json:"country,omitempty"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	ObservedAt      string  `json:"observedAt"`
	TemperatureC    float64 `json:"temperatureC"`
	FeelsLikeC      float64 `json:"feelsLikeC"`
	HumidityPercent float64 `json:"humidityPercent"`
	WindSpeedKPH    float64 `json:"windSpeedKph"`
	WeatherCode     int     `json:"weatherCode"`
	Condition       string  `json:"condition"`
}

type WeatherClient struct {
	geocodingURL string
	forecastURL  string
	httpClient   *http.Client
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
		Admin1    string  `json:"admin1"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Time                string  `json:"time"`
		Temperature2M       float64 `json:"temperature_2m"`
		ApparentTemperature float64 `json:"apparent_temperature"`
		RelativeHumidity2M  float64 `json:"relative_humidity_2m"`
		WindSpeed10M        float64 `json:"wind_speed_10m"`
		WeatherCode         int     `json:"weather_code"`
	} `json:"current"`
}

func NewWeatherClient(geocodingURL, forecastURL string, httpClient *http.Client) WeatherClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return WeatherClient{
		geocodingURL: trimBaseURL(geocodingURL),
		forecastURL:  trimBaseURL(forecastURL),
		httpClient:   httpClient,
	}
}

func (c WeatherClient) Current(ctx context.Context, location string) (WeatherCard, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return WeatherCard{}, errors.New("location is required")
	}

	var geo geocodingResponse
	if err := getJSON(ctx, c.httpClient, "geocoding", c.geocodingURL+"/search", url.Values{
		"name":     {location},
		"count":    {"1"},
		"language": {"en"},
		"format":   {"json"},
	}, &geo); err != nil {
		return WeatherCard{}, err
	}
	if len(geo.Results) == 0 {
		return WeatherCard{}, fmt.Errorf("no location found for %q", location)
	}
	place := geo.Results[0]

	var forecast forecastResponse
	if err := getJSON(ctx, c.httpClient, "forecast", c.forecastURL+"/forecast", url.Values{
		"latitude":  {strconv.FormatFloat(place.Latitude, 'f', 4, 64)},
		"longitude": {strconv.FormatFloat(place.Longitude, 'f', 4, 64)},
		"current":   {"temperature_2m,apparent_temperature,relative_humidity_2m,wind_speed_10m,weather_code"},
		"timezone":  {"auto"},
	}, &forecast); err != nil {
		return WeatherCard{}, err
	}

	name := place.Name
	if place.Admin1 != "" && place.Admin1 != place.Name {
		name = place.Name + ", " + place.Admin1
	}

	return WeatherCard{
		Location:        name,
		Country:         place.Country,
		Latitude:        place.Latitude,
		Longitude:       place.Longitude,
		ObservedAt:      forecast.Current.Time,
		TemperatureC:    forecast.Current.Temperature2M,
		FeelsLikeC:      forecast.Current.ApparentTemperature,
		HumidityPercent: forecast.Current.RelativeHumidity2M,
		WindSpeedKPH:    forecast.Current.WindSpeed10M,
		WeatherCode:     forecast.Current.WeatherCode,
		Condition:       describeWeatherCode(forecast.Current.WeatherCode),
	}, nil
}

func (c WeatherClient) Tool() Tool {
	return NewTool(WeatherToolName,
		"Get the current weather conditions for a location.",
		func(ctx context.Context, in WeatherInput) (WeatherCard, error) {
			return c.Current(ctx, in.Location)
		})
}

// WMO weather interpretation codes.
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "Clear sky"
	case code == 1:
		return "Mainly clear"
	case code == 2:
		return "Partly cloudy"
	case code == 3:
		return "Overcast"
	case code == 45 || code == 48:
		return "Fog"
	case code >= 51 && code <= 57:
		return "Drizzle"
	case code >= 61 && code <= 67:
		return "Rain"
	case code >= 71 && code <= 77:
		return "Snow"
	case code >= 80 && code <= 82:
		return "Rain showers"
	case code == 85 || code == 86:
		return "Snow showers"
	case code >= 95:
		return "Thunderstorm"
	default:
		return "Unknown"
	}
}
