// Package geocode resolves free-form addresses through the Google Geocoding API.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonathan/activity-ingest/internal/types"
)

// DefaultBaseURL is the Google Geocoding endpoint.
const DefaultBaseURL = "https://maps.googleapis.com/maps/api/geocode/json"

// DefaultRequestsPerSecond throttles outbound geocoding calls.
const DefaultRequestsPerSecond = 10

// ErrNotFound is returned when the geocoder has no result for an address.
// It is a normal outcome, not a failure.
var ErrNotFound = errors.New("address not found")

// Error is a geocoding provider failure.
type Error struct {
	Status  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("geocode error: %s", e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Permanent reports whether the request itself was rejected.
func (e *Error) Permanent() bool {
	switch e.Status {
	case "REQUEST_DENIED", "INVALID_REQUEST":
		return true
	}
	return false
}

// Geocoder resolves an address to coordinates and components.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*types.GeocodeResult, error)
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client implements Geocoder against the Google Geocoding API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a geocoding client.
func NewClient(apiKey string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    opts.BaseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
	}
}

type apiResponse struct {
	Status       string      `json:"status"`
	ErrorMessage string      `json:"error_message"`
	Results      []apiResult `json:"results"`
}

type apiResult struct {
	FormattedAddress  string         `json:"formatted_address"`
	PlaceID           string         `json:"place_id"`
	AddressComponents []apiComponent `json:"address_components"`
	Geometry          struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

type apiComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

// Geocode resolves address. It returns ErrNotFound when the provider has no match.
func (c *Client) Geocode(ctx context.Context, address string) (*types.GeocodeResult, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrNotFound
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("address", address)
	params.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &Error{Status: "INVALID_REQUEST", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Status: "TRANSPORT", Message: "request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Status: "TRANSPORT", Message: "failed to read response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Status: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: truncate(string(body), 200)}
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Status: "DECODE", Message: "invalid response body", Cause: err}
	}

	switch parsed.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, ErrNotFound
	default:
		return nil, &Error{Status: parsed.Status, Message: parsed.ErrorMessage}
	}
	if len(parsed.Results) == 0 {
		return nil, ErrNotFound
	}

	return toResult(parsed.Results[0]), nil
}

func toResult(r apiResult) *types.GeocodeResult {
	out := &types.GeocodeResult{
		FormattedAddress: r.FormattedAddress,
		PlaceID:          r.PlaceID,
		Coordinates: types.Coordinates{
			Lat: r.Geometry.Location.Lat,
			Lng: r.Geometry.Location.Lng,
		},
	}

	var streetNumber, route string
	for _, comp := range r.AddressComponents {
		switch {
		case hasType(comp, "street_number"):
			streetNumber = comp.LongName
		case hasType(comp, "route"):
			route = comp.LongName
		case hasType(comp, "locality"):
			out.Components.City = comp.LongName
		case hasType(comp, "postal_town"):
			if out.Components.City == "" {
				out.Components.City = comp.LongName
			}
		case hasType(comp, "administrative_area_level_1"):
			out.Components.Region = comp.ShortName
		case hasType(comp, "postal_code"):
			out.Components.PostalCode = comp.LongName
		case hasType(comp, "country"):
			out.Components.Country = comp.ShortName
		}
	}
	out.Components.Street = strings.TrimSpace(streetNumber + " " + route)
	return out
}

func hasType(c apiComponent, t string) bool {
	for _, ct := range c.Types {
		if ct == t {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
