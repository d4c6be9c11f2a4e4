package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/LeventeLantos/church-dispatch/internal/delivery"
)

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	// RatePerSec caps outbound requests; zero disables the limiter.
	RatePerSec float64
	Timeout    time.Duration
}

// TwilioClient talks to the Twilio REST API (or anything that speaks its
// Messages/Calls form protocol).
type TwilioClient struct {
	cfg     TwilioConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewTwilioClient(cfg TwilioConfig) *TwilioClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &TwilioClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c
}

type resourceResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendText sends an SMS and returns the provider message SID.
func (c *TwilioClient) SendText(ctx context.Context, destination, body string) (string, error) {
	form := url.Values{}
	form.Set("To", destination)
	form.Set("From", c.cfg.From)
	form.Set("Body", body)
	return c.create(ctx, "Messages.json", form)
}

// PlaceCall starts an outbound call; the provider fetches its script from
// scriptURL when the callee answers.
func (c *TwilioClient) PlaceCall(ctx context.Context, destination, scriptURL string) (string, error) {
	form := url.Values{}
	form.Set("To", destination)
	form.Set("From", c.cfg.From)
	form.Set("Url", scriptURL)
	form.Set("Method", http.MethodPost)
	return c.create(ctx, "Calls.json", form)
}

func (c *TwilioClient) create(ctx context.Context, resource string, form url.Values) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", delivery.Transient(fmt.Errorf("rate limiter: %w", err))
		}
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/%s", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", delivery.Permanent(err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", delivery.Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp.StatusCode, body)
	}

	var rr resourceResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", delivery.Transient(fmt.Errorf("failed to decode json: %w body=%q", err, string(body)))
	}
	if rr.SID == "" {
		return "", delivery.Transient(fmt.Errorf("missing sid in response body=%q", string(body)))
	}
	return rr.SID, nil
}

// statusError maps throttling and server errors to transient and any other
// rejection (bad number, auth, unroutable) to permanent.
func statusError(code int, body []byte) error {
	var er errorResponse
	msg := string(body)
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = fmt.Sprintf("%d: %s", er.Code, er.Message)
	}
	err := fmt.Errorf("unexpected status code: %d body=%q", code, msg)
	if code == http.StatusTooManyRequests || code >= 500 {
		return delivery.Transient(err)
	}
	return delivery.Permanent(err)
}
