package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxCheckBody caps how much of a response body a BodyValidator sees
const maxCheckBody = 64 << 10

// BodyValidator inspects a response body that passed the status check and
// returns a short description of the server, or an error if it is unhealthy
type BodyValidator func(body []byte) (string, error)

// HTTPChecker probes a dispatch server's /check endpoint or any other URL
type HTTPChecker struct {
	URL      string
	Headers  map[string]string
	Min, Max int

	// Client may carry a tunnel transport or TLS configuration
	Client   *http.Client
	Validate BodyValidator
}

// NewHTTPChecker creates a GET checker accepting 2xx and 3xx
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:     url,
		Headers: make(map[string]string),
		Min:     http.StatusOK,
		Max:     399,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, fmt.Sprintf("bad probe URL: %v", err))
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	message := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if resp.StatusCode < h.Min || resp.StatusCode > h.Max {
		return failed(start, fmt.Sprintf("%s %s (want %d-%d)", message, http.StatusText(resp.StatusCode), h.Min, h.Max))
	}
	if h.Validate == nil {
		return passed(start, message)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCheckBody))
	if err != nil {
		return failed(start, fmt.Sprintf("%s: reading body: %v", message, err))
	}
	desc, err := h.Validate(body)
	if err != nil {
		return failed(start, fmt.Sprintf("%s: %v", message, err))
	}
	return passed(start, desc)
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithClient replaces the HTTP client
func (h *HTTPChecker) WithClient(client *http.Client) *HTTPChecker {
	h.Client = client
	return h
}

// WithHeader adds a request header, typically Authorization
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange sets the accepted status code range
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.Min, h.Max = min, max
	return h
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

// WithBody validates the body of accepted responses
func (h *HTTPChecker) WithBody(v BodyValidator) *HTTPChecker {
	h.Validate = v
	return h
}
