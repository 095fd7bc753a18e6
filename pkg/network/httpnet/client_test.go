package httpnet

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/goleak"

	"feedsync/internal/router"
	"feedsync/pkg/models"
	"feedsync/pkg/network"
	"feedsync/pkg/network/nettest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// fasthttp keeps pooled workers and idle-connection cleaners around
		goleak.IgnoreAnyFunction("github.com/valyala/fasthttp.(*HostClient).connsCleaner"),
		goleak.IgnoreAnyFunction("github.com/valyala/fasthttp.(*Client).mCleaner"),
		goleak.IgnoreAnyFunction("github.com/valyala/fasthttp.(*workerPool).workerFunc"),
		goleak.IgnoreAnyFunction("github.com/valyala/fasthttp.(*workerPool).Start.func2"),
		goleak.IgnoreAnyFunction("github.com/valyala/fasthttp.(*Server).serveConn"),
	)
}

// gateway serves a nettest.Network over HTTP.
type gateway struct {
	net  *nettest.Network
	mu   sync.Mutex
	subs map[string]network.Submittable
}

func (g *gateway) handler() fasthttp.RequestHandler {
	r := router.New()
	r.GET("/items/{id}", func(ctx *fasthttp.RequestCtx) {
		item, err := g.net.FetchItem(context.Background(), router.Param(ctx, "id"))
		if errors.Is(err, network.ErrNotFound) {
			router.WriteJSONError(ctx, fasthttp.StatusNotFound, "no item")
			return
		}
		if err != nil {
			router.WriteJSONError(ctx, fasthttp.StatusBadGateway, err.Error())
			return
		}
		router.WriteJSON(ctx, item)
	})
	r.GET("/sources/{id}/pages/{sort}", func(ctx *fasthttp.RequestCtx) {
		page, err := g.net.FetchPage(context.Background(), router.Param(ctx, "id"), router.Param(ctx, "sort"),
			string(ctx.QueryArgs().Peek("cursor")))
		if err != nil {
			router.WriteJSONError(ctx, fasthttp.StatusBadGateway, err.Error())
			return
		}
		router.WriteJSON(ctx, page)
	})
	r.POST("/publications", func(ctx *fasthttp.RequestCtx) {
		var sub network.Submission
		if !router.ReadJSON(ctx, &sub) {
			return
		}
		s, err := g.net.CreateSubmittable(context.Background(), sub)
		if err == nil {
			err = s.Submit(context.Background())
		}
		if err != nil {
			router.WriteJSONError(ctx, fasthttp.StatusUnprocessableEntity, err.Error())
			return
		}
		ev := <-s.Events()
		g.mu.Lock()
		g.subs[ev.Challenge.RequestID] = s
		g.mu.Unlock()
		router.WriteJSON(ctx, publicationResponse{RequestID: ev.Challenge.RequestID, Challenge: *ev.Challenge})
	})
	r.POST("/publications/{id}/answers", func(ctx *fasthttp.RequestCtx) {
		var req answersRequest
		if !router.ReadJSON(ctx, &req) {
			return
		}
		g.mu.Lock()
		s := g.subs[router.Param(ctx, "id")]
		g.mu.Unlock()
		if s == nil {
			router.WriteJSONError(ctx, fasthttp.StatusNotFound, "no publication")
			return
		}
		if err := s.AnswerChallenge(context.Background(), req.Answers); err != nil {
			router.WriteJSONError(ctx, fasthttp.StatusBadGateway, err.Error())
			return
		}
		ev := <-s.Events()
		router.WriteJSON(ctx, ev.Verification)
	})
	return r.Handler
}

func startGateway(t *testing.T, opts models.NetworkOptions) (*nettest.Network, *Client) {
	t.Helper()
	n := nettest.New()
	g := &gateway{net: n, subs: make(map[string]network.Submittable)}
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: g.handler()}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
	})

	if opts.GatewayURL == "" {
		opts.GatewayURL = "http://gateway.test"
	}
	c, err := New(opts, WithDial(func(string) (net.Conn, error) { return ln.Dial() }))
	require.NoError(t, err)
	return n, c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(models.NetworkOptions{GatewayURL: "not a url"})
	assert.Error(t, err)
	c, err := New(models.NetworkOptions{GatewayURL: "http://x/"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.timeout)
	assert.Equal(t, DefaultPollInterval, c.poll)
	assert.Equal(t, "http://x", c.base)
}

func TestFetchItemAndPage(t *testing.T) {
	ctx := context.Background()
	n, c := startGateway(t, models.NetworkOptions{})
	n.AddItem(models.ContentItem{ID: "Qm1", SourceID: "s", Content: "hello", UpdatedAt: 3})
	n.SetPage("", models.FeedPage{SourceID: "s", Sort: "new", Items: []models.ContentItem{{ID: "Qm1"}}, NextCursor: "p2"})
	n.SetPage("p2", models.FeedPage{SourceID: "s", Sort: "new", Items: []models.ContentItem{{ID: "Qm2"}}})

	item, err := c.FetchItem(ctx, "Qm1")
	require.NoError(t, err)
	assert.Equal(t, "hello", item.Content)

	_, err = c.FetchItem(ctx, "missing")
	assert.ErrorIs(t, err, network.ErrNotFound)

	page, err := c.FetchPage(ctx, "s", "new", "")
	require.NoError(t, err)
	assert.Equal(t, "p2", page.NextCursor)
	page, err = c.FetchPage(ctx, "s", "new", "p2")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Qm2", page.Items[0].ID)

	n.FailPages("s", 1)
	_, err = c.FetchPage(ctx, "s", "new", "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, fasthttp.StatusBadGateway, se.Status)
}

func TestPublishHandshake(t *testing.T) {
	ctx := context.Background()
	n, c := startGateway(t, models.NetworkOptions{})
	n.ScriptVerifications(false)

	sub := network.Submission{
		Author:  models.Author{Address: "addr"},
		Options: models.PublishOptions{Kind: models.KindComment, SourceID: "s", Content: "hi", Timestamp: 1},
	}
	for attempt, wantSuccess := range []bool{false, true} {
		s, err := c.CreateSubmittable(ctx, sub)
		require.NoError(t, err)
		require.NoError(t, s.Submit(ctx))
		ev := <-s.Events()
		require.Equal(t, network.EventChallenge, ev.Kind)
		require.NotEmpty(t, ev.Challenge.RequestID)

		require.NoError(t, s.AnswerChallenge(ctx, []string{"4"}))
		ev = <-s.Events()
		require.Equal(t, network.EventChallengeVerification, ev.Kind, "attempt %d", attempt)
		assert.Equal(t, wantSuccess, ev.Verification.Success)
		if wantSuccess {
			assert.NotEmpty(t, ev.Verification.ItemID)
		}
		require.NoError(t, s.Close())
	}
	assert.Equal(t, 2, n.Submits())
}

func TestSubmitTransportFailure(t *testing.T) {
	ctx := context.Background()
	n, c := startGateway(t, models.NetworkOptions{})
	n.FailSubmit(errors.New("bad credentials"))
	s, err := c.CreateSubmittable(ctx, network.Submission{})
	require.NoError(t, err)
	defer s.Close()
	err = s.Submit(ctx)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, se.Status)
	assert.Error(t, s.AnswerChallenge(ctx, nil))
}

func TestWatchItemEmitsOnlyNewer(t *testing.T) {
	n, c := startGateway(t, models.NetworkOptions{PollInterval: 10 * time.Millisecond})
	n.AddItem(models.ContentItem{ID: "Qm1", UpdatedAt: 5, Upvotes: 1})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.WatchItem(ctx, "Qm1")
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, int64(5), first.UpdatedAt)

	n.AddItem(models.ContentItem{ID: "Qm1", UpdatedAt: 4, Upvotes: 99})
	n.AddItem(models.ContentItem{ID: "Qm1", UpdatedAt: 6, Upvotes: 2})
	var next models.ContentItem
	require.Eventually(t, func() bool {
		select {
		case next = <-ch:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(6), next.UpdatedAt)
	assert.Equal(t, 2, next.Upvotes)

	cancel()
	for range ch {
	}
}
