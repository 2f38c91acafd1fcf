package completion

import (
	"net"
	"net/http"
	"time"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	idleConnTimeout       = 5 * time.Minute
	maxIdleConns          = 5
)

// NewTransport bounds dialing and the TLS handshake but sets no response or
// read deadline: a streamed reply may sit idle while the model is thinking.
func NewTransport(connectTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
	}
}

// NewHTTPClient wraps NewTransport. Client.Timeout stays zero on purpose; the
// request context is the only thing that ends a stream early.
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{Transport: NewTransport(connectTimeout)}
}
