package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/proxy-inventory/internal/types"
	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// newTransport builds a single-use transport that reaches the inspection
// endpoint through the proxy at addr speaking proto.
func newTransport(proto types.Protocol, addr string, timeout time.Duration) (*http.Transport, error) {
	transport := &http.Transport{
		ForceAttemptHTTP2:   false,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // Required for proxy checking
		},
	}

	switch proto {
	case types.ProtocolHTTP, types.ProtocolHTTPS:
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: addr})
		transport.DialContext = (&net.Dialer{Timeout: timeout}).DialContext

	case types.ProtocolSOCKS4:
		dial := socks.Dial(fmt.Sprintf("socks4://%s?timeout=%s", addr, timeout))
		transport.DialContext = contextDial(dial)

	case types.ProtocolSOCKS5:
		dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 dialer: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext

	default:
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}

	return transport, nil
}

// contextDial adapts a dial function without context support so that a
// canceled context abandons the dial. A connection that arrives after
// cancellation is closed.
func contextDial(dial func(network, addr string) (net.Conn, error)) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		type result struct {
			conn net.Conn
			err  error
		}
		done := make(chan result, 1)
		go func() {
			conn, err := dial(network, addr)
			done <- result{conn, err}
		}()

		select {
		case r := <-done:
			return r.conn, r.err
		case <-ctx.Done():
			go func() {
				if r := <-done; r.conn != nil {
					r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}
