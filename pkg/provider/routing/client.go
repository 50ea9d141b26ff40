// Package routing is an HTTP client for a TomTom style calculateRoute API.
package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/geo"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/utils"
)

const (
	DefaultBaseURL         = "https://api.tomtom.com"
	DefaultMaxAlternatives = 2
	defaultTimeout         = 15 * time.Second
	maxResponseSize        = 16 << 20
)

var (
	ErrMissingCredentials = errors.New("routing: missing api key")
	ErrUnexpectedStatus   = errors.New("routing: unexpected status")
)

// Request describes one route query.
type Request struct {
	Origin          model.Coordinate
	Destination     model.Coordinate
	AvoidTolls      bool
	AvoidHighways   bool
	AvoidAreas      []geo.Bounds
	MaxAlternatives int
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: log.Default().Named("routing"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type (
	latLon struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	rectangle struct {
		SouthWestCorner latLon `json:"southWestCorner"`
		NorthEastCorner latLon `json:"northEastCorner"`
	}
	postBody struct {
		AvoidAreas struct {
			Rectangles []rectangle `json:"rectangles"`
		} `json:"avoidAreas"`
	}
)

// FetchRoutes queries the provider. Avoid areas are sent as POST body.
func (c *Client) FetchRoutes(ctx context.Context, req Request) ([]model.RouteCandidate, error) {
	if c.apiKey == "" {
		return nil, ErrMissingCredentials
	}
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("routing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("routing response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	candidates, err := ParseResponse(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("routes received",
		log.Int("candidates", len(candidates)),
		log.Int("avoidAreas", len(req.AvoidAreas)),
		log.Duration("duration", time.Since(start)))
	return candidates, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := fmt.Sprintf("%s/routing/1/calculateRoute/%s:%s/json",
		c.baseURL, formatCoord(req.Origin), formatCoord(req.Destination))
	maxAlt := req.MaxAlternatives
	if maxAlt <= 0 {
		maxAlt = DefaultMaxAlternatives
	}
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("maxAlternatives", strconv.Itoa(maxAlt))
	q.Set("instructionsType", "text")
	q.Set("routeRepresentation", "polyline")
	q.Set("traffic", "true")
	if req.AvoidTolls {
		q.Add("avoid", "tollRoads")
	}
	if req.AvoidHighways {
		q.Add("avoid", "motorways")
	}
	u += "?" + q.Encode()

	if len(req.AvoidAreas) == 0 {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	}

	body := postBody{}
	for _, b := range req.AvoidAreas {
		body.AvoidAreas.Rectangles = append(body.AvoidAreas.Rectangles, rectangle{
			SouthWestCorner: latLon{Latitude: b.MinLat, Longitude: b.MinLon},
			NorthEastCorner: latLon{Latitude: b.MaxLat, Longitude: b.MaxLon},
		})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// KeyDigest identifies the configured key in logs without exposing it.
func (c *Client) KeyDigest() string {
	if c.apiKey == "" {
		return ""
	}
	return utils.HashAPIKey(c.apiKey)[:12]
}

func formatCoord(c model.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}
