package checker

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/types"
	log "github.com/sirupsen/logrus"
)

// probeOrder is the fixed order protocols are tried in.
var probeOrder = []types.Protocol{types.ProtocolHTTP, types.ProtocolSOCKS4, types.ProtocolSOCKS5}

// markerHeaders reveal that a request went through a proxy.
var markerHeaders = []string{
	"via",
	"from",
	"x-real-ip",
	"client-ip",
	"x-proxy-id",
	"proxy-authorization",
	"proxy-connection",
	"x-forwarded-for",
	"forwarded",
}

// forwardingHeaders may carry the original client address.
var forwardingHeaders = []string{"x-forwarded-for", "forwarded", "x-real-ip", "client-ip", "via", "from"}

type Prober struct {
	inspector         *Inspector
	timeout           time.Duration
	detectTransparent bool
	metrics           *metrics.Collector
}

func NewProber(inspector *Inspector, timeout time.Duration, detectTransparent bool, metricsCollector *metrics.Collector) *Prober {
	return &Prober{
		inspector:         inspector,
		timeout:           timeout,
		detectTransparent: detectTransparent,
		metrics:           metricsCollector,
	}
}

// Probe tries each protocol in order against ip:port and returns the first
// success. Attempt errors are logged at debug level and never returned.
func (p *Prober) Probe(ctx context.Context, ip string, port uint16) types.ProbeResult {
	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))

	var ownIP string
	if p.detectTransparent {
		ownIP = p.inspector.OwnIP(ctx)
	}

	for _, proto := range probeOrder {
		if ctx.Err() != nil {
			break
		}

		result, err := p.attempt(ctx, proto, addr, ip, ownIP)
		p.metrics.RecordProbeAttempt(string(proto), err == nil)
		if err == nil {
			return result
		}
		log.WithFields(log.Fields{
			"proxy":    addr,
			"protocol": proto,
		}).Debugf("Probe failed: %v", err)
	}

	return types.ProbeResult{Anonymity: types.AnonymityUnknown}
}

func (p *Prober) attempt(ctx context.Context, proto types.Protocol, addr, ip, ownIP string) (types.ProbeResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	transport, err := newTransport(proto, addr, p.timeout)
	if err != nil {
		return types.ProbeResult{}, err
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // Don't follow redirects
		},
	}

	startTime := time.Now()
	echo, respHeader, err := p.inspector.Fetch(attemptCtx, client)
	if err != nil {
		return types.ProbeResult{}, err
	}
	latency := time.Since(startTime)

	return types.ProbeResult{
		Protocol:  proto,
		Country:   echo.Country,
		Anonymity: classifyAnonymity(echo, respHeader, ip, ownIP),
		SpeedMs:   latency.Milliseconds(),
		IsWorking: true,
	}, nil
}

// classifyAnonymity grades a working proxy from what the inspection endpoint
// saw. ownIP may be empty when our public address is unknown.
func classifyAnonymity(echo *Echo, respHeader http.Header, candidateIP, ownIP string) types.Anonymity {
	if ownIP != "" {
		if echo.IP == ownIP {
			return types.AnonymityTransparent
		}
		for _, h := range forwardingHeaders {
			if strings.Contains(echo.Headers[h], ownIP) {
				return types.AnonymityTransparent
			}
		}
	}

	if echo.IP != candidateIP {
		return types.AnonymityAnonymous
	}
	for _, h := range markerHeaders {
		if _, ok := echo.Headers[h]; ok {
			return types.AnonymityAnonymous
		}
		if respHeader.Get(h) != "" {
			return types.AnonymityAnonymous
		}
	}
	return types.AnonymityElite
}
