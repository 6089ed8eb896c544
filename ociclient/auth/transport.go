package auth

import (
	"net/http"

	"golang.org/x/net/http2"
)

// NewHTTP2Client returns an *http.Client whose transport is configured
// for HTTP/2 over TLS via golang.org/x/net/http2, for talking to
// registries that support it. Pass the result as Client.HTTPClient.
func NewHTTP2Client() (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}
