package utils

import (
	"net/http"
	"time"
)

const (
	UserAgent = "PlayerLink/1.0 (playerlink@utf9k.net)"
)

type UARoundtripper struct {
	RT http.RoundTripper
}

func (uart *UARoundtripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", UserAgent)
	rt := uart.RT
	if rt == nil {
		// Looked up per request so transports swapped in by tests are honoured
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &UARoundtripper{},
		Timeout:   timeout,
	}
}
