// Package publish drives publications through the network's
// submit/challenge/verify handshake, resubmitting after failed
// verifications until one succeeds or the caller abandons it.
//
// A record is appended to the account's history before anything reaches the
// network, so pending content survives restarts. Transport failures end the
// publication and are returned to the caller; only verification failures
// are retried.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedsync/pkg/accounts"
	"feedsync/pkg/history"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/network"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
)

// ChallengeFunc answers a challenge, usually by calling sub.AnswerChallenge.
type ChallengeFunc func(ctx context.Context, ch network.Challenge, sub network.Submittable) error

// VerificationFunc observes every verification, failed ones included.
type VerificationFunc func(ctx context.Context, v network.Verification)

// Request is one publication.
type Request struct {
	Options        models.PublishOptions
	OnChallenge    ChallengeFunc
	OnVerification VerificationFunc
}

// Reconciler is told when a pending record got its permanent id.
type Reconciler interface {
	Reconcile(ctx context.Context, rec models.PendingRecord, author models.Author)
}

// AccountSource resolves the submitting account.
type AccountSource interface {
	Account(id string) (accounts.Account, bool)
}

// Engine is safe for concurrent use; each publication runs on its own
// goroutine.
type Engine struct {
	accounts AccountSource
	history  *history.History
	metrics  *telemetry.Metrics
	limiters *limiterPool
	now      func() time.Time
	idWait   time.Duration

	mu          sync.Mutex
	reconcilers []Reconciler
	running     map[*Handle]struct{}
	closed      bool
	wg          sync.WaitGroup
}

type Option func(*Engine)

// WithMetrics records submissions and verifications on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRateLimits sets the limits used for accounts without their own.
func WithRateLimits(defaults map[models.Kind]models.RateLimit) Option {
	return func(e *Engine) { e.limiters = newLimiterPool(defaults) }
}

// WithReconciler registers r at construction.
func WithReconciler(r Reconciler) Option {
	return func(e *Engine) { e.reconcilers = append(e.reconcilers, r) }
}

// WithIDWait bounds how long a verified publication waits for a later update
// carrying its permanent id. Afterwards it finishes verified and the record
// stays pending until content sync recognizes it. Zero finishes at once.
func WithIDWait(d time.Duration) Option {
	return func(e *Engine) { e.idWait = d }
}

// WithClock replaces time.Now for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(accts AccountSource, h *history.History, opts ...Option) *Engine {
	e := &Engine{
		accounts: accts,
		history:  h,
		limiters: newLimiterPool(nil),
		now:      time.Now,
		idWait:   defaultIDWait,
		running:  make(map[*Handle]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Validate reports what is missing from req.
func Validate(req Request) error {
	o := req.Options
	var missing []string
	switch o.Kind {
	case models.KindComment:
		if o.SourceID == "" {
			missing = append(missing, "sourceId")
		}
		if o.Title == "" && o.Content == "" && o.Link == "" {
			missing = append(missing, "title, content or link")
		}
	case models.KindVote:
		if o.TargetID == "" {
			missing = append(missing, "targetId")
		}
		if o.Vote < -1 || o.Vote > 1 {
			return syncerr.Validation("vote must be -1, 0 or 1, got %d", o.Vote)
		}
	case models.KindEdit:
		if o.TargetID == "" {
			missing = append(missing, "targetId")
		}
		if o.Content == "" && !o.Deleted {
			missing = append(missing, "content or deleted")
		}
	default:
		return syncerr.Validation("unknown publication kind %q", o.Kind)
	}
	if req.OnChallenge == nil {
		missing = append(missing, "challenge handler")
	}
	if req.OnVerification == nil {
		missing = append(missing, "verification handler")
	}
	if len(missing) > 0 {
		return syncerr.Validation("%s: missing %s", o.Kind, strings.Join(missing, ", "))
	}
	return nil
}

// Publish validates req, appends it to the account's history and starts
// driving it. Validation and unknown-account errors return before anything
// is persisted.
func (e *Engine) Publish(ctx context.Context, req Request, accountID string) (*Handle, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	acc, ok := e.accounts.Account(accountID)
	if !ok {
		return nil, syncerr.NotFound("account %s", accountID)
	}
	if acc.Client == nil {
		return nil, fmt.Errorf("account %s has no network client", accountID)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errors.New("publish engine closed")
	}

	if req.Options.Timestamp == 0 {
		req.Options.Timestamp = e.now().Unix()
	}
	rec, err := e.history.Append(ctx, models.PendingRecord{
		Kind:        req.Options.Kind,
		Options:     req.Options,
		AccountID:   accountID,
		Fingerprint: req.Options.Fingerprint(acc.Author.Address),
	})
	if err != nil {
		return nil, err
	}

	h := newHandle(ctx, rec)
	e.mu.Lock()
	if e.closed {
		// closed while appending; the record stays pending
		h.Abandon()
	}
	e.running[h] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, h)
			e.mu.Unlock()
		}()
		e.run(h, req, acc)
	}()
	logger.Info("publish_started", "account", accountID, "kind", rec.Kind, "index", rec.LocalIndex)
	return h, nil
}

// PublishComment publishes a comment or reply.
func (e *Engine) PublishComment(ctx context.Context, accountID string, opts models.PublishOptions, onChallenge ChallengeFunc, onVerification VerificationFunc) (*Handle, error) {
	opts.Kind = models.KindComment
	return e.Publish(ctx, Request{Options: opts, OnChallenge: onChallenge, OnVerification: onVerification}, accountID)
}

// PublishVote publishes a vote of -1, 0 or 1 on targetID.
func (e *Engine) PublishVote(ctx context.Context, accountID, targetID string, vote int, onChallenge ChallengeFunc, onVerification VerificationFunc) (*Handle, error) {
	opts := models.PublishOptions{Kind: models.KindVote, TargetID: targetID, Vote: vote}
	return e.Publish(ctx, Request{Options: opts, OnChallenge: onChallenge, OnVerification: onVerification}, accountID)
}

// PublishEdit publishes an edit of the account's own comment targetID.
func (e *Engine) PublishEdit(ctx context.Context, accountID string, opts models.PublishOptions, onChallenge ChallengeFunc, onVerification VerificationFunc) (*Handle, error) {
	opts.Kind = models.KindEdit
	return e.Publish(ctx, Request{Options: opts, OnChallenge: onChallenge, OnVerification: onVerification}, accountID)
}

// Close abandons every running publication and waits for them to stop.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for h := range e.running {
		h.Abandon()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

const defaultIDWait = 30 * time.Second

type outcome int

const (
	outcomeVerified outcome = iota
	outcomeRetry
	outcomeAbandoned
	outcomeFailed
)

func (e *Engine) run(h *Handle, req Request, acc accounts.Account) {
	rec := h.Record()
	sub := network.Submission{Author: acc.Author, Options: req.Options}
	limiter := e.limiters.get(acc.Account, rec.Kind)

	for {
		if h.isAbandoned() {
			e.abandon(h)
			return
		}
		n := h.attempt()
		if n > 1 {
			e.metrics.Resubmitted()
			logger.Info("publish_resubmit", "account", acc.ID, "index", rec.LocalIndex, "attempt", n)
		}
		if err := limiter.Wait(h.ctx); err != nil {
			if h.isAbandoned() {
				e.abandon(h)
				return
			}
			e.fail(h, fmt.Errorf("rate limit: %w", err))
			return
		}

		s, err := acc.Client.CreateSubmittable(h.ctx, sub)
		if err != nil {
			e.fail(h, fmt.Errorf("create submittable: %w", err))
			return
		}
		e.metrics.Submitted(string(rec.Kind))
		h.set(StateSubmitted)
		if err := s.Submit(h.ctx); err != nil {
			_ = s.Close()
			if h.isAbandoned() {
				e.abandon(h)
				return
			}
			e.fail(h, fmt.Errorf("submit: %w", err))
			return
		}

		res, err := e.drive(h, s, req, acc)
		_ = s.Close()
		switch res {
		case outcomeVerified:
			h.finish(StateVerified, nil)
			return
		case outcomeRetry:
			continue
		case outcomeAbandoned:
			e.abandon(h)
			return
		default:
			e.fail(h, err)
			return
		}
	}
}

// drive consumes the events of one submittable until its verification and,
// after success, until the permanent id is known or idWait runs out.
func (e *Engine) drive(h *Handle, s network.Submittable, req Request, acc accounts.Account) (outcome, error) {
	verified := false
	var idTimeout <-chan time.Time
	for {
		select {
		case <-h.ctx.Done():
			if verified {
				return outcomeVerified, nil
			}
			return outcomeAbandoned, nil
		case <-idTimeout:
			rec := h.Record()
			logger.Info("publish_verified_without_id", "account", acc.ID, "kind", rec.Kind, "index", rec.LocalIndex, "attempts", h.Attempts())
			return outcomeVerified, nil
		case ev, ok := <-s.Events():
			if !ok {
				if verified {
					return outcomeVerified, nil
				}
				return outcomeFailed, errors.New("submittable closed before verification")
			}
			switch ev.Kind {
			case network.EventChallenge:
				if ev.Challenge == nil || verified {
					continue
				}
				h.set(StateChallengeReceived)
				if err := req.OnChallenge(h.ctx, *ev.Challenge, s); err != nil {
					if h.isAbandoned() {
						return outcomeAbandoned, nil
					}
					return outcomeFailed, fmt.Errorf("challenge handler: %w", err)
				}
			case network.EventChallengeVerification:
				if ev.Verification == nil || verified {
					continue
				}
				v := *ev.Verification
				req.OnVerification(h.ctx, v)
				e.metrics.Verified(v.Success)
				if !v.Success {
					h.set(StateVerificationFailed)
					logger.Warn("publish_verification_failed", "account", acc.ID, "reason", v.Reason, "errors", v.Errors)
					return outcomeRetry, nil
				}
				verified = true
				h.set(StateVerified)
				if v.ItemID != "" {
					e.resolve(h, acc, v.ItemID)
					return outcomeVerified, nil
				}
				if e.idWait <= 0 {
					return outcomeVerified, nil
				}
				t := time.NewTimer(e.idWait)
				defer t.Stop()
				idTimeout = t.C
			case network.EventUpdate:
				if verified && ev.Item != nil && ev.Item.ID != "" {
					e.resolve(h, acc, ev.Item.ID)
					return outcomeVerified, nil
				}
			}
		}
	}
}

func (e *Engine) resolve(h *Handle, acc accounts.Account, remoteID string) {
	rec := h.Record()
	ctx := h.ctx
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	resolved, err := e.history.Resolve(ctx, acc.ID, rec.Kind, rec.LocalIndex, remoteID)
	if err != nil {
		logger.Error("publish_resolve_failed", "account", acc.ID, "index", rec.LocalIndex, "id", remoteID, "error", err)
		return
	}
	h.setRecord(resolved)
	logger.Info("publish_verified", "account", acc.ID, "kind", rec.Kind, "index", rec.LocalIndex, "id", remoteID, "attempts", h.Attempts())

	e.mu.Lock()
	recs := append([]Reconciler(nil), e.reconcilers...)
	e.mu.Unlock()
	for _, r := range recs {
		r.Reconcile(ctx, resolved, acc.Author)
	}
}

func (e *Engine) abandon(h *Handle) {
	rec := h.Record()
	logger.Info("publish_abandoned", "account", rec.AccountID, "index", rec.LocalIndex, "attempts", h.Attempts())
	h.finish(StateAbandoned, syncerr.Abandoned("publication %d of %s abandoned", rec.LocalIndex, rec.AccountID))
}

func (e *Engine) fail(h *Handle, err error) {
	rec := h.Record()
	logger.Error("publish_failed", "account", rec.AccountID, "index", rec.LocalIndex, "error", err)
	h.finish(StateFailed, err)
}
