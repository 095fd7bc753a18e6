package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"feedsync/pkg/accounts"
	"feedsync/pkg/history"
	"feedsync/pkg/models"
	"feedsync/pkg/network"
	"feedsync/pkg/network/nettest"
	"feedsync/pkg/store"
	"feedsync/pkg/syncerr"
	"feedsync/pkg/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	recs []models.PendingRecord
}

func (r *recorder) Reconcile(_ context.Context, rec models.PendingRecord, _ models.Author) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) all() []models.PendingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PendingRecord(nil), r.recs...)
}

type fixture struct {
	net     *nettest.Network
	hist    *history.History
	engine  *Engine
	account accounts.Account
	metrics *telemetry.Metrics
	rec     *recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	n := nettest.New()
	s := store.NewMemory()
	reg := accounts.New(s, n.Factory())
	st, err := reg.LoadOrInitialize(context.Background())
	require.NoError(t, err)
	acc, _ := st.Active()

	h := history.New(s)
	m := telemetry.New(prometheus.NewRegistry())
	rec := &recorder{}
	e := New(reg, h, WithMetrics(m), WithReconciler(rec))
	t.Cleanup(e.Close)
	return &fixture{net: n, hist: h, engine: e, account: acc, metrics: m, rec: rec}
}

func answer(ctx context.Context, ch network.Challenge, sub network.Submittable) error {
	return sub.AnswerChallenge(ctx, []string{"4"})
}

func comment(content string) models.PublishOptions {
	return models.PublishOptions{SourceID: "music", Content: content}
}

func wait(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestRetryConvergesAfterFailedVerifications(t *testing.T) {
	f := setup(t)
	f.net.ScriptVerifications(false, false, true)

	var mu sync.Mutex
	var verdicts []bool
	h, err := f.engine.PublishComment(context.Background(), f.account.ID, comment("hello"), answer,
		func(_ context.Context, v network.Verification) {
			mu.Lock()
			verdicts = append(verdicts, v.Success)
			mu.Unlock()
		})
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	assert.Equal(t, 3, f.net.Created())
	assert.Equal(t, 3, h.Attempts())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PublishResubmissions))
	assert.Equal(t, []bool{false, false, true}, verdicts)
	assert.Equal(t, StateVerified, h.State())

	rec := h.Record()
	require.True(t, rec.Resolved())
	stored, err := f.hist.Get(context.Background(), f.account.ID, models.KindComment, rec.LocalIndex)
	require.NoError(t, err)
	assert.Equal(t, rec.ResolvedID, stored.ResolvedID)

	recs := f.rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ResolvedID, recs[0].ResolvedID)

	// every resubmission is built from the original options
	for _, sub := range f.net.Submissions() {
		assert.Equal(t, "hello", sub.Options.Content)
		assert.Equal(t, f.account.Author.Address, sub.Author.Address)
	}
}

func TestValidationPersistsNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cases := map[string]Request{
		"no source":       {Options: models.PublishOptions{Kind: models.KindComment, Content: "x"}, OnChallenge: answer, OnVerification: func(context.Context, network.Verification) {}},
		"no payload":      {Options: models.PublishOptions{Kind: models.KindComment, SourceID: "s"}, OnChallenge: answer, OnVerification: func(context.Context, network.Verification) {}},
		"no callbacks":    {Options: comment("x")},
		"bad vote":        {Options: models.PublishOptions{Kind: models.KindVote, TargetID: "t", Vote: 2}, OnChallenge: answer, OnVerification: func(context.Context, network.Verification) {}},
		"edit no content": {Options: models.PublishOptions{Kind: models.KindEdit, TargetID: "t"}, OnChallenge: answer, OnVerification: func(context.Context, network.Verification) {}},
		"unknown kind":    {Options: models.PublishOptions{Kind: "poll"}, OnChallenge: answer, OnVerification: func(context.Context, network.Verification) {}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if name == "no callbacks" {
				req.Options.Kind = models.KindComment
			}
			_, err := f.engine.Publish(ctx, req, f.account.ID)
			assert.ErrorIs(t, err, syncerr.ErrValidation)
		})
	}
	for _, k := range []models.Kind{models.KindComment, models.KindVote, models.KindEdit} {
		n, err := f.hist.Len(ctx, f.account.ID, k)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Zero(t, f.net.Created())
}

func TestUnknownAccount(t *testing.T) {
	f := setup(t)
	_, err := f.engine.PublishVote(context.Background(), "ghost", "t", 1, answer, func(context.Context, network.Verification) {})
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestTransportFailureIsNotRetried(t *testing.T) {
	f := setup(t)
	f.net.FailSubmit(errors.New("bad credentials"))

	h, err := f.engine.PublishVote(context.Background(), f.account.ID, "Qm1", 1, answer, func(context.Context, network.Verification) {})
	require.NoError(t, err)
	err = wait(t, h)
	assert.ErrorContains(t, err, "bad credentials")
	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, 1, f.net.Created())

	// the optimistic record was written before the network was involved
	rec, ok, err := f.hist.VoteFor(context.Background(), f.account.ID, "Qm1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rec.Resolved())
}

func TestAbandonStopsResubmission(t *testing.T) {
	f := setup(t)
	f.net.ScriptVerifications(false, false, false, false, false)

	reached := make(chan struct{})
	proceed := make(chan struct{})
	var calls int
	h, err := f.engine.PublishComment(context.Background(), f.account.ID, comment("x"), answer,
		func(context.Context, network.Verification) {
			calls++
			if calls == 2 {
				close(reached)
				<-proceed
			}
		})
	require.NoError(t, err)

	<-reached
	h.Abandon()
	close(proceed)

	err = wait(t, h)
	assert.ErrorIs(t, err, syncerr.ErrAbandoned)
	assert.Equal(t, StateAbandoned, h.State())
	assert.Equal(t, 2, f.net.Created())
}

func TestPermanentIDFromLaterUpdate(t *testing.T) {
	f := setup(t)
	f.net.DeferIDs(true)

	h, err := f.engine.PublishComment(context.Background(), f.account.ID, comment("late id"), answer, func(context.Context, network.Verification) {})
	require.NoError(t, err)
	require.NoError(t, wait(t, h))
	assert.True(t, h.Record().Resolved())
	assert.Len(t, f.rec.all(), 1)
}

func TestCloseAbandonsWaitingPublications(t *testing.T) {
	f := setup(t)
	// never answers, so the engine waits on the network
	silent := func(context.Context, network.Challenge, network.Submittable) error { return nil }
	h, err := f.engine.PublishComment(context.Background(), f.account.ID, comment("x"), silent, func(context.Context, network.Verification) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.State() == StateChallengeReceived }, 2*time.Second, 5*time.Millisecond)
	f.engine.Close()
	assert.Equal(t, StateAbandoned, h.State())
	assert.ErrorIs(t, wait(t, h), syncerr.ErrAbandoned)

	_, err = f.engine.PublishComment(context.Background(), f.account.ID, comment("y"), answer, func(context.Context, network.Verification) {})
	assert.Error(t, err)
}

func TestUpdatesStream(t *testing.T) {
	f := setup(t)
	h, err := f.engine.PublishComment(context.Background(), f.account.ID, comment("x"), answer, func(context.Context, network.Verification) {})
	require.NoError(t, err)
	ch, cancel := h.Updates()
	defer cancel()
	require.NoError(t, wait(t, h))

	var last State
	for {
		select {
		case s := <-ch:
			last = s
			continue
		default:
		}
		break
	}
	assert.Equal(t, StateVerified, last)
}

// quietClient verifies every answer without an item id and never sends an
// update afterwards, like the gateway client.
type quietClient struct {
	network.Client
}

func (quietClient) CreateSubmittable(context.Context, network.Submission) (network.Submittable, error) {
	return &quietSubmittable{events: make(chan network.Event, 4)}, nil
}

type quietSubmittable struct {
	events chan network.Event
	once   sync.Once
}

func (s *quietSubmittable) Submit(context.Context) error {
	s.events <- network.Event{Kind: network.EventChallenge, Challenge: &network.Challenge{RequestID: "r1", Type: "text/plain", Prompt: "2+2"}}
	return nil
}

func (s *quietSubmittable) AnswerChallenge(context.Context, []string) error {
	s.events <- network.Event{Kind: network.EventChallengeVerification, Verification: &network.Verification{RequestID: "r1", Success: true}}
	return nil
}

func (s *quietSubmittable) Events() <-chan network.Event { return s.events }

func (s *quietSubmittable) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func TestVerifiedWithoutIDFinishes(t *testing.T) {
	for name, idWait := range map[string]time.Duration{"bounded": 50 * time.Millisecond, "immediate": 0} {
		t.Run(name, func(t *testing.T) {
			s := store.NewMemory()
			reg := accounts.New(s, func(models.NetworkOptions) (network.Client, error) { return quietClient{}, nil })
			st, err := reg.LoadOrInitialize(context.Background())
			require.NoError(t, err)
			acc, _ := st.Active()

			hist := history.New(s)
			rec := &recorder{}
			e := New(reg, hist, WithReconciler(rec), WithIDWait(idWait))
			defer e.Close()

			h, err := e.PublishComment(context.Background(), acc.ID, comment("no id"), answer, func(context.Context, network.Verification) {})
			require.NoError(t, err)
			require.NoError(t, wait(t, h))

			assert.Equal(t, StateVerified, h.State())
			assert.True(t, h.State().Terminal())
			assert.Equal(t, 1, h.Attempts())
			assert.False(t, h.Record().Resolved())
			assert.Empty(t, rec.all())

			// left pending for content sync to recognize
			stored, err := hist.Get(context.Background(), acc.ID, models.KindComment, h.Record().LocalIndex)
			require.NoError(t, err)
			assert.False(t, stored.Resolved())
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateVerified, StateAbandoned, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateCreated, StateSubmitted, StateChallengeReceived, StateVerificationFailed} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestLimiterPool(t *testing.T) {
	p := newLimiterPool(map[models.Kind]models.RateLimit{models.KindVote: {Rate: 1, Burst: 1}})
	acc := models.Account{ID: "a"}

	l1 := p.get(acc, models.KindVote)
	assert.Same(t, l1, p.get(acc, models.KindVote))
	assert.True(t, l1.Allow())
	assert.False(t, l1.Allow())

	// comments have no default, so they are unlimited
	c := p.get(acc, models.KindComment)
	for i := 0; i < 100; i++ {
		require.True(t, c.Allow())
	}

	acc.RateLimits = map[models.Kind]models.RateLimit{models.KindVote: {Rate: 10, Burst: 5}}
	l2 := p.get(acc, models.KindVote)
	assert.NotSame(t, l1, l2)
	assert.Equal(t, 5, l2.Burst())
	assert.Equal(t, 2, p.len())

	now := time.Now()
	p.now = func() time.Time { return now.Add(time.Hour) }
	p.get(models.Account{ID: "b"}, models.KindVote)
	assert.Equal(t, 1, p.len())
}
