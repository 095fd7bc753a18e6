// Package httpnet implements network.Client against an HTTP gateway using
// fasthttp.
//
//	GET  /items/{id}
//	GET  /sources/{id}/pages/{sort}?cursor=
//	POST /publications                  -> challenge
//	POST /publications/{id}/answers     -> verification
//
// Items are watched by polling GET /items/{id}.
package httpnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/network"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// Client talks to one gateway.
type Client struct {
	hc      *fasthttp.Client
	base    string
	timeout time.Duration
	poll    time.Duration
}

type Option func(*Client)

// WithDial replaces the dialer, e.g. with an in-memory listener.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) { c.hc.Dial = dial }
}

// New returns a client for opts.GatewayURL.
func New(opts models.NetworkOptions, options ...Option) (*Client, error) {
	u, err := url.Parse(opts.GatewayURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway url %q", opts.GatewayURL)
	}
	c := &Client{
		hc: &fasthttp.Client{
			Name:                "feedsync",
			MaxIdleConnDuration: time.Minute,
		},
		base:    strings.TrimRight(opts.GatewayURL, "/"),
		timeout: opts.Timeout,
		poll:    opts.PollInterval,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.poll <= 0 {
		c.poll = DefaultPollInterval
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// Factory is a network.Factory building gateway clients.
func Factory(options ...Option) network.Factory {
	return func(opts models.NetworkOptions) (network.Client, error) {
		return New(opts, options...)
	}
}

// StatusError is a non-2xx gateway answer.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway status %d: %s", e.Status, e.Body)
}

// do sends one request and decodes a JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.hc.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	status := resp.StatusCode()
	if status == fasthttp.StatusNotFound {
		return network.ErrNotFound
	}
	if status < 200 || status >= 300 {
		return &StatusError{Status: status, Body: string(resp.Body())}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) FetchItem(ctx context.Context, id string) (models.ContentItem, error) {
	var item models.ContentItem
	err := c.do(ctx, fasthttp.MethodGet, "/items/"+url.PathEscape(id), nil, &item)
	return item, err
}

func (c *Client) FetchPage(ctx context.Context, sourceID, sort, cursor string) (models.FeedPage, error) {
	path := "/sources/" + url.PathEscape(sourceID) + "/pages/" + url.PathEscape(sort)
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var page models.FeedPage
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &page); err != nil {
		return page, err
	}
	if page.SourceID == "" {
		page.SourceID = sourceID
	}
	if page.Sort == "" {
		page.Sort = sort
	}
	return page, nil
}

// WatchItem polls the item and emits each version with a strictly newer
// updatedAt. Poll failures are logged and retried on the next tick.
func (c *Client) WatchItem(ctx context.Context, id string) (<-chan models.ContentItem, error) {
	out := make(chan models.ContentItem)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		var last int64 = -1
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			item, err := c.FetchItem(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					logger.Debug("gateway_poll_failed", "item", id, "error", err)
				}
				continue
			}
			if item.UpdatedAt <= last {
				continue
			}
			last = item.UpdatedAt
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type publicationResponse struct {
	RequestID string            `json:"requestId"`
	Challenge network.Challenge `json:"challenge"`
}

type answersRequest struct {
	Answers []string `json:"answers"`
}

func (c *Client) CreateSubmittable(ctx context.Context, sub network.Submission) (network.Submittable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &submittable{c: c, sub: sub, events: make(chan network.Event, 4)}, nil
}

type submittable struct {
	c   *Client
	sub network.Submission

	mu        sync.Mutex
	requestID string
	events    chan network.Event
	closed    bool
}

func (s *submittable) emit(ev network.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		logger.Warn("gateway_event_dropped", "request", s.requestID, "kind", ev.Kind)
	}
}

func (s *submittable) Submit(ctx context.Context) error {
	var resp publicationResponse
	if err := s.c.do(ctx, fasthttp.MethodPost, "/publications", s.sub, &resp); err != nil {
		return err
	}
	if resp.RequestID == "" {
		return errors.New("gateway returned no request id")
	}
	s.mu.Lock()
	s.requestID = resp.RequestID
	s.mu.Unlock()
	ch := resp.Challenge
	if ch.RequestID == "" {
		ch.RequestID = resp.RequestID
	}
	s.emit(network.Event{Kind: network.EventChallenge, Challenge: &ch})
	return nil
}

func (s *submittable) AnswerChallenge(ctx context.Context, answers []string) error {
	s.mu.Lock()
	id := s.requestID
	s.mu.Unlock()
	if id == "" {
		return errors.New("answer before submit")
	}
	var v network.Verification
	path := "/publications/" + url.PathEscape(id) + "/answers"
	if err := s.c.do(ctx, fasthttp.MethodPost, path, answersRequest{Answers: answers}, &v); err != nil {
		return err
	}
	if v.RequestID == "" {
		v.RequestID = id
	}
	s.emit(network.Event{Kind: network.EventChallengeVerification, Verification: &v})
	return nil
}

func (s *submittable) Events() <-chan network.Event {
	return s.events
}

func (s *submittable) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
