// Package transfer moves files to and from the file and cache servers.
//
// Uploads use a session protocol: init negotiates an upload id and a chunk size, then
// every chunk is posted with a Content-Range header and retried on its own until the
// server answers done. Downloads are streamed GETs where 404 is a miss, not an error.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nektos/buildcache/pkg/common"
	"github.com/nektos/buildcache/pkg/config"
)

// Shared transport, one pool of keep-alive connections per process.
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

type Client struct {
	fileServer      string
	cacheServer     string
	token           string
	chunkMultiplier int
	retry           RetryPolicy

	// api bounds every request end to end; stream only bounds the wait for response headers
	// so a large download is not cut off by the request timeout.
	api    *http.Client
	stream *http.Client

	journal SessionJournal
	now     func() time.Time
}

// NewClient builds a client from the configuration value.
func NewClient(cfg *config.Config) *Client {
	streamTransport := defaultTransport.Clone()
	streamTransport.ResponseHeaderTimeout = cfg.RequestTimeout

	return &Client{
		fileServer:      strings.TrimRight(cfg.FileServer, "/"),
		cacheServer:     strings.TrimRight(cfg.CacheServer, "/"),
		token:           cfg.Token,
		chunkMultiplier: cfg.ChunkMultiplier,
		retry:           NewRetryPolicy(cfg.Retry),
		api: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: defaultTransport.Clone(),
		},
		stream: &http.Client{
			Transport: streamTransport,
		},
		now: time.Now,
	}
}

// WithJournal enables resumable uploads backed by j.
func (c *Client) WithJournal(j SessionJournal) *Client {
	c.journal = j
	return c
}

func (c *Client) logger(ctx context.Context) logrus.FieldLogger {
	return common.Logger(ctx).WithField("module", "transfer")
}

func (c *Client) postJSON(ctx context.Context, op, rawURL string, authorize func(http.Header), in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, op)
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req.Header)
	return c.do(c.api, op, req, out)
}

func (c *Client) getJSON(ctx context.Context, op, rawURL string, authorize func(http.Header), out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, op)
	}
	authorize(req.Header)
	return c.do(c.api, op, req, out)
}

func (c *Client) do(hc *http.Client, op string, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrap(err, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, req.URL, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

func statusError(op string, u *url.URL, resp *http.Response) *StatusError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Op:         op,
		URL:        redact(u),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
	}
}

func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}

func (c *Client) fileAuth(h http.Header) {
	h.Set("x-authorization", c.token)
}

func (c *Client) bearerAuth(h http.Header) {
	h.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
}
