// Package builtin provides the in-process tools shipped with the server:
// current time, arithmetic, web search, and weather lookup. Each constructor
// returns a [tool.Tool] ready to register.
//
// Network-backed tools (web_search, weather) use free, keyless APIs and are
// marked cacheable so repeated identical queries inside the TTL are served
// from the tool-result cache. Clock- and randomness-sensitive tools opt out
// of caching.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MrWong99/loquax/internal/tool"
	"github.com/MrWong99/loquax/pkg/types"
)

// httpClient is shared by the network-backed tools. Per-call deadlines come
// from the dispatch context; this timeout is a safety net.
var httpClient = &http.Client{Timeout: 15 * time.Second}

// All returns every built-in tool.
func All() []tool.Tool {
	return []tool.Tool{
		GetTime(),
		Calculator(),
		WebSearch(),
		Weather(),
	}
}

// GetTime reports the current date and time. Not cacheable: the answer
// changes every second.
func GetTime() tool.Tool {
	return tool.Tool{
		Definition: types.ToolDefinition{
			Name:        "get_time",
			Description: "Returns the current date and time, optionally in a given IANA timezone.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, e.g. \"Europe/Berlin\". Defaults to UTC.",
					},
				},
			},
			MaxDurationMs: 1000,
			Idempotent:    true,
			Cacheable:     false,
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			loc := time.UTC
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", tz)
				}
				loc = l
			}
			now := time.Now().In(loc)
			return now.Format("Monday, 2 January 2006, 15:04:05 MST"), nil
		},
	}
}

// Calculator evaluates arithmetic expressions with +, -, *, /, and
// parentheses. Deterministic, so cacheable.
func Calculator() tool.Tool {
	return tool.Tool{
		Definition: types.ToolDefinition{
			Name:        "calculator",
			Description: "Evaluates an arithmetic expression with +, -, *, / and parentheses.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "The expression to evaluate, e.g. \"(2 + 3) * 4\".",
					},
				},
				"required": []any{"expression"},
			},
			MaxDurationMs:   1000,
			Idempotent:      true,
			Cacheable:       true,
			CacheTTLSeconds: 3600,
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			expr, _ := args["expression"].(string)
			v, err := evalExpression(expr)
			if err != nil {
				return "", err
			}
			return formatNumber(v), nil
		},
	}
}

// WebSearch queries the DuckDuckGo instant-answer API and returns the
// abstract or the first related topics.
func WebSearch() tool.Tool {
	return tool.Tool{
		Definition: types.ToolDefinition{
			Name:        "web_search",
			Description: "Searches the web and returns a short summary of the top results.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
				},
				"required": []any{"query"},
			},
			MaxDurationMs:   8000,
			Idempotent:      true,
			Cacheable:       true,
			CacheTTLSeconds: 300,
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query must not be empty")
			}
			return searchDuckDuckGo(ctx, query)
		},
	}
}

// Weather fetches current conditions from the Open-Meteo API. Requires
// latitude and longitude; the model resolves place names itself.
func Weather() tool.Tool {
	return tool.Tool{
		Definition: types.ToolDefinition{
			Name:        "weather",
			Description: "Returns current weather conditions for a latitude/longitude pair.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"latitude":  map[string]any{"type": "number"},
					"longitude": map[string]any{"type": "number"},
				},
				"required": []any{"latitude", "longitude"},
			},
			MaxDurationMs:   8000,
			Idempotent:      true,
			Cacheable:       true,
			CacheTTLSeconds: 600,
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			lat, _ := args["latitude"].(float64)
			lon, _ := args["longitude"].(float64)
			return fetchWeather(ctx, lat, lon)
		},
	}
}

// ---- web_search backend ----

// ddgResponse covers the fields of the DuckDuckGo instant-answer response we
// consume.
type ddgResponse struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Heading       string `json:"Heading"`
	RelatedTopics []struct {
		Text string `json:"Text"`
	} `json:"RelatedTopics"`
}

func searchDuckDuckGo(ctx context.Context, query string) (string, error) {
	endpoint := "https://api.duckduckgo.com/?format=json&no_html=1&q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}

	var r ddgResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("parse search response: %w", err)
	}

	if r.AbstractText != "" {
		out := r.AbstractText
		if r.AbstractURL != "" {
			out += " (" + r.AbstractURL + ")"
		}
		return out, nil
	}

	// Fall back to the first few related topics.
	var out string
	for i, t := range r.RelatedTopics {
		if t.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += "- " + t.Text
		if i >= 2 {
			break
		}
	}
	if out == "" {
		return "No results found.", nil
	}
	return out, nil
}

// ---- weather backend ----

type meteoResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		WindSpeed   float64 `json:"windspeed"`
		WeatherCode int     `json:"weathercode"`
	} `json:"current_weather"`
}

// weatherCodes maps WMO weather codes to short descriptions.
var weatherCodes = map[int]string{
	0: "clear sky", 1: "mainly clear", 2: "partly cloudy", 3: "overcast",
	45: "fog", 48: "depositing rime fog",
	51: "light drizzle", 53: "moderate drizzle", 55: "dense drizzle",
	61: "slight rain", 63: "moderate rain", 65: "heavy rain",
	71: "slight snow", 73: "moderate snow", 75: "heavy snow",
	80: "rain showers", 81: "moderate rain showers", 82: "violent rain showers",
	95: "thunderstorm", 96: "thunderstorm with hail", 99: "thunderstorm with heavy hail",
}

func fetchWeather(ctx context.Context, lat, lon float64) (string, error) {
	endpoint := fmt.Sprintf(
		"https://api.open-meteo.com/v1/forecast?latitude=%.4f&longitude=%.4f&current_weather=true",
		lat, lon,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build weather request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather service returned HTTP %d", resp.StatusCode)
	}

	var r meteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("parse weather response: %w", err)
	}

	desc := weatherCodes[r.CurrentWeather.WeatherCode]
	if desc == "" {
		desc = "unknown conditions"
	}
	return fmt.Sprintf("%s, %.1f°C, wind %.1f km/h",
		desc, r.CurrentWeather.Temperature, r.CurrentWeather.WindSpeed), nil
}

// formatNumber renders a float without a trailing ".000000" for whole values.
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
