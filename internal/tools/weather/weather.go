// Package weather implements the get_weather_from_coords function against the
// Open-Meteo forecast API.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/tools"
)

// Name is the function name offered to the model.
const Name = "get_weather_from_coords"

// DefaultBaseURL is the Open-Meteo forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// Client queries current conditions.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.Breaker
	timeout time.Duration
}

// Option configures a [Client].
type Option func(*Client)

// WithBaseURL overrides the forecast endpoint.
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithBreaker guards requests with b.
func WithBreaker(b *resilience.Breaker) Option { return func(c *Client) { c.breaker = b } }

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// New creates a weather client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    http.DefaultClient,
		timeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewBreaker(resilience.Config{Name: "open-meteo"})
	}
	return c
}

// Breaker returns the circuit breaker guarding the upstream.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

type forecast struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
}

// Current returns the current temperature in degrees Celsius at the given
// coordinates.
func (c *Client) Current(ctx context.Context, lat, lon float64) (float64, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("current", "temperature_2m,wind_speed_10m")
	endpoint := c.baseURL + "?" + q.Encode()

	var fc forecast
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("open-meteo: status %d: %s", resp.StatusCode, body)
		}
		if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
			return fmt.Errorf("open-meteo: decode: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("weather: %w", err)
	}
	return fc.Current.Temperature, nil
}

type args struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Function returns the registrable capability.
func (c *Client) Function() tools.Function {
	return tools.Function{
		Definition: tools.Definition{
			Name:        Name,
			Description: "Get the current weather from coordinates",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"latitude":  map[string]any{"type": "number", "description": "Latitude coordinate"},
					"longitude": map[string]any{"type": "number", "description": "Longitude coordinate"},
				},
				"required": []any{"latitude", "longitude"},
			},
		},
		Timeout: c.timeout,
		Handler: c.handle,
	}
}

func (c *Client) handle(ctx context.Context, raw json.RawMessage) (string, error) {
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if a.Latitude == nil || a.Longitude == nil {
		return "", errors.New("latitude and longitude are required")
	}
	temp, err := c.Current(ctx, *a.Latitude, *a.Longitude)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]float64{"temp": temp})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
