package logic

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gatherpub/shared"
)

// ErrUnsafeUrl is returned when a destination fails the SSRF checks.
var ErrUnsafeUrl = errors.New("destination URL is not safe to fetch")

// ISafeFetcher is the sole egress point for outbound HTTP: webfinger lookups,
// actor and key fetches, and inbox deliveries all go through it. Nothing else
// in the engine touches the transport directly.
type ISafeFetcher interface {
	IsUrlSafe(rawUrl string) bool
	Do(req *http.Request) (*http.Response, error)
	Get(rawUrl, accept string) (*http.Response, error)
}

type safeFetcher struct {
	cfg       *shared.Config
	logger    shared.ILogger
	userAgent shared.IUserAgent
	client    *http.Client
}

func NewSafeFetcher(cfg *shared.Config, logger shared.ILogger, userAgent shared.IUserAgent) ISafeFetcher {
	timeout := time.Duration(cfg.DeliveryTimeoutSec) * time.Second
	return &safeFetcher{
		cfg:       cfg,
		logger:    logger,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// IsUrlSafe rejects everything that could turn a federation request into a
// probe of our own network: non-HTTP schemes, loopback, private and
// link-local destinations. In dev mode only the scheme check applies, so two
// instances on one box can federate over localhost.
func (sf *safeFetcher) IsUrlSafe(rawUrl string) bool {

	parsed, err := url.Parse(rawUrl)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	if sf.cfg.DevMode {
		return true
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".local") {
		return false
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
			return false
		}
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return false
		}
	}

	return true
}

func (sf *safeFetcher) Do(req *http.Request) (*http.Response, error) {

	if !sf.IsUrlSafe(req.URL.String()) {
		sf.logger.Warnf("Refusing to fetch unsafe URL: %s", req.URL.String())
		return nil, ErrUnsafeUrl
	}
	// client.Timeout aborts the request and releases the timer on every path
	return sf.client.Do(req)
}

func (sf *safeFetcher) Get(rawUrl, accept string) (*http.Response, error) {

	req, err := http.NewRequest("GET", rawUrl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	sf.userAgent.AddUserAgent(req)
	return sf.Do(req)
}
