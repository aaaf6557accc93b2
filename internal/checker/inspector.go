package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var errNoIP = errors.New("inspection response carries no ip")

// Echo is what the inspection endpoint reports about the request it saw.
type Echo struct {
	IP       string  `json:"ip"`
	Host     string  `json:"host"`
	Protocol string  `json:"protocol"`
	Country  string  `json:"country"`
	Headers  Headers `json:"headers"`
}

// Headers holds the echoed request headers with lower-cased names. The
// inspection endpoint may send each value as a string or a list of strings.
type Headers map[string]string

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Headers, len(raw))
	for name, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[strings.ToLower(name)] = s
			continue
		}
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			out[strings.ToLower(name)] = strings.Join(list, ", ")
		}
	}
	*h = out
	return nil
}

// Inspector calls the trusted inspection endpoint, either directly or
// through a proxied client.
type Inspector struct {
	url       string
	userAgent string
	direct    *http.Client

	mu         sync.Mutex
	ownIP      string
	lastLookup time.Time
}

// ownIPRetry spaces out failed own-IP lookups.
const ownIPRetry = time.Minute

func NewInspector(baseURL, path, userAgent string, timeout time.Duration) (*Inspector, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse inspector url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("inspector url %q must be absolute", baseURL)
	}

	return &Inspector{
		url:       u.String(),
		userAgent: userAgent,
		direct: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: nil}, // ignore proxy environment
		},
	}, nil
}

func (i *Inspector) URL() string {
	return i.url
}

// Fetch requests the inspection endpoint through client and returns the echo
// together with the response headers, which a proxy may have added to.
func (i *Inspector) Fetch(ctx context.Context, client *http.Client) (*Echo, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if i.userAgent != "" {
		req.Header.Set("User-Agent", i.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var echo Echo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&echo); err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}
	if echo.IP == "" {
		return nil, nil, errNoIP
	}
	return &echo, resp.Header, nil
}

// OwnIP returns our public address as seen by the inspection endpoint. The
// first successful lookup is cached; "" means it is not known yet.
func (i *Inspector) OwnIP(ctx context.Context) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.ownIP != "" || time.Since(i.lastLookup) < ownIPRetry {
		return i.ownIP
	}
	i.lastLookup = time.Now()

	echo, _, err := i.Fetch(ctx, i.direct)
	if err != nil {
		log.Warnf("Own IP lookup failed: %v", err)
		return ""
	}
	i.ownIP = echo.IP
	log.Infof("Own public IP: %s", i.ownIP)
	return i.ownIP
}
