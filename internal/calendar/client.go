package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var acceptedLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"}

type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
}

// HTTPClient talks to the booking service REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewHTTPClient uses OAuth2 client credentials when ClientID and TokenURL are set.
func NewHTTPClient(log *slog.Logger, opts Options) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if opts.ClientID != "" && opts.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			Scopes:       opts.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		httpClient = cc.Client(ctx)
		httpClient.Timeout = timeout
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		logger:     log.With(slog.String("service", "calendar_client")),
		now:        time.Now,
	}
}

type availabilityResponse struct {
	Slots []Slot `json:"slots"`
}

func (c *HTTPClient) CheckAvailability(ctx context.Context, businessID string, query AvailabilityQuery) ([]Slot, error) {
	if businessID == "" {
		return nil, fmt.Errorf("%w: business id is required", ErrInvalidInput)
	}
	if query.IsZero() {
		query.Date = c.now().Format("2006-01-02")
	}
	params := url.Values{}
	setIf(params, "date", query.Date)
	setIf(params, "start_date", query.StartDate)
	setIf(params, "end_date", query.EndDate)
	setIf(params, "timeMin", query.TimeMin)
	setIf(params, "timeMax", query.TimeMax)

	var out availabilityResponse
	path := "/businesses/" + url.PathEscape(businessID) + "/availability?" + params.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

func (c *HTTPClient) CreateEvent(ctx context.Context, businessID string, input EventInput) (Event, error) {
	if businessID == "" {
		return Event{}, fmt.Errorf("%w: business id is required", ErrInvalidInput)
	}
	if err := ValidateEvent(input); err != nil {
		return Event{}, err
	}
	var out Event
	if err := c.do(ctx, http.MethodPost, "/businesses/"+url.PathEscape(businessID)+"/events", input, &out); err != nil {
		return Event{}, err
	}
	return out, nil
}

// ValidateEvent checks required fields and that the event ends after it starts.
func ValidateEvent(input EventInput) error {
	var missing []string
	if strings.TrimSpace(input.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(input.Start) == "" {
		missing = append(missing, "start")
	}
	if strings.TrimSpace(input.End) == "" {
		missing = append(missing, "end")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	start, err := parseTime(input.Start)
	if err != nil {
		return fmt.Errorf("%w: start: %v", ErrInvalidInput, err)
	}
	end, err := parseTime(input.End)
	if err != nil {
		return fmt.Errorf("%w: end: %v", ErrInvalidInput, err)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidInput)
	}
	return nil
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range acceptedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}

func setIf(v url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		v.Set(key, value)
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("calendar service not configured")
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read calendar response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("calendar api error",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("calendar api status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode calendar response: %w", err)
	}
	return nil
}
