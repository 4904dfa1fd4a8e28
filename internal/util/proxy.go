// Package util provides the outbound HTTP client for the Gemini Business
// gateway. Clients are built per traffic class from a proxy policy string and
// route each request directly or through the proxy depending on a no-proxy
// host list, with an optional one-shot direct retry when the proxy fails.
package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
)

// ProxyPolicy is a parsed proxy setting string. The accepted form is
// "scheme://host:port|no_proxy=host1,host2|direct_fallback"; every segment
// after the URL is optional. An empty URL means direct connections.
type ProxyPolicy struct {
	ProxyURL       string
	NoProxy        []string
	DirectFallback bool
}

// ParseProxySetting splits a configured proxy value into its policy parts.
func ParseProxySetting(setting string) ProxyPolicy {
	var p ProxyPolicy
	for i, part := range strings.Split(setting, "|") {
		part = strings.TrimSpace(part)
		if i == 0 {
			p.ProxyURL = part
			continue
		}
		switch {
		case strings.HasPrefix(part, "no_proxy="):
			for _, host := range strings.Split(strings.TrimPrefix(part, "no_proxy="), ",") {
				host = strings.TrimSpace(host)
				if host != "" {
					p.NoProxy = append(p.NoProxy, host)
				}
			}
		case part == "direct_fallback":
			p.DirectFallback = true
		}
	}
	return p
}

// MatchesNoProxy reports whether host matches an entry of the no-proxy list.
// Entries match exactly or as a dot-separated suffix.
func MatchesNoProxy(host string, noProxy []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, entry := range noProxy {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// policyTransport routes per request between a direct and a proxied
// transport.
type policyTransport struct {
	direct         http.RoundTripper
	proxied        http.RoundTripper
	noProxy        []string
	directFallback bool
}

// RoundTrip implements http.RoundTripper.
func (t *policyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.proxied == nil || MatchesNoProxy(req.URL.Hostname(), t.noProxy) {
		return t.direct.RoundTrip(req)
	}
	resp, err := t.proxied.RoundTrip(req)
	if err == nil || !t.directFallback {
		return resp, err
	}
	retry, errClone := cloneRequest(req)
	if errClone != nil {
		return nil, err
	}
	log.Warnf("proxy request to %s failed (%v), retrying direct", req.URL.Hostname(), err)
	return t.direct.RoundTrip(retry)
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body is not replayable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

// NewHTTPClient builds a process-wide client for one traffic class. The
// client never honours proxy environment variables; the only proxy in play
// is the configured one.
func NewHTTPClient(policy ProxyPolicy, localIgnoreProxy bool) *http.Client {
	direct := newBaseTransport(nil)

	var proxied http.RoundTripper
	if policy.ProxyURL != "" && !localIgnoreProxy {
		proxyURL, errParse := url.Parse(policy.ProxyURL)
		if errParse != nil {
			log.Errorf("invalid proxy url %q: %v", policy.ProxyURL, errParse)
		} else if proxyURL.Scheme == "socks5" {
			var proxyAuth *proxy.Auth
			if proxyURL.User != nil {
				password, _ := proxyURL.User.Password()
				proxyAuth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
			}
			dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
			if errSOCKS5 != nil {
				log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			} else {
				transport := newBaseTransport(nil)
				transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
				proxied = transport
			}
		} else if proxyURL.Scheme == "http" || proxyURL.Scheme == "https" {
			proxied = newBaseTransport(proxyURL)
		} else {
			log.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
		}
	}

	return &http.Client{
		Timeout: constant.ReadTimeout,
		Transport: &policyTransport{
			direct:         direct,
			proxied:        proxied,
			noProxy:        policy.NoProxy,
			directFallback: policy.DirectFallback,
		},
	}
}

func newBaseTransport(proxyURL *url.URL) *http.Transport {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constant.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: constant.ConnectTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		ForceAttemptHTTP2:   true,
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Debugf("http2 configure failed, falling back to HTTP/1.1: %v", err)
	}
	return transport
}
