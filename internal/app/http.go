package app

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"feedsync/internal/router"
	"feedsync/pkg/logger"
	"feedsync/pkg/store"
)

type readier interface {
	Ready() bool
}

// accountView is one entry of GET /accounts.
type accountView struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Address       string   `json:"address"`
	Active        bool     `json:"active"`
	Subscriptions []string `json:"subscriptions"`
}

type maintenanceView struct {
	LastRun     *time.Time `json:"last_run,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	PagesPruned int        `json:"pages_pruned"`
	NextRun     *time.Time `json:"next_run,omitempty"`
}

func (a *App) healthzHandlerFast(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString("{\"status\":\"ok\"}")
}

func (a *App) readyzHandlerFast(ctx *fasthttp.RequestCtx) {
	if r, ok := a.store.(readier); ok && !r.Ready() {
		router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "store not ready")
		return
	}
	if !a.client.Registry().Loaded() {
		router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "accounts not loaded")
		return
	}
	out := map[string]string{"status": "ok", "state": a.State()}
	if p, ok := a.store.(*store.Pebble); ok {
		if u, err := store.DiskUsage(p.Path()); err == nil {
			out["disk_available"] = humanize.IBytes(u.Available)
			out["disk_used_pct"] = fmt.Sprintf("%.1f", u.UsedPct())
		}
	}
	router.WriteJSON(ctx, out)
}

func (a *App) accountsHandlerFast(ctx *fasthttp.RequestCtx) {
	active, _ := a.client.ActiveAccount()
	out := []accountView{}
	for _, acc := range a.client.Accounts() {
		out = append(out, accountView{
			ID:            acc.ID,
			Name:          acc.Name,
			Address:       acc.Author.Address,
			Active:        acc.ID == active.ID,
			Subscriptions: append([]string{}, acc.Subscriptions...),
		})
	}
	router.WriteJSON(ctx, out)
}

func (a *App) maintenanceHandlerFast(ctx *fasthttp.RequestCtx) {
	var v maintenanceView
	if last := a.maint.Last(); !last.Started.IsZero() {
		started := last.Started
		v.LastRun = &started
		v.Duration = last.Duration.String()
		v.PagesPruned = last.PagesPruned
	}
	if next, err := a.maint.Next(time.Now()); err == nil {
		v.NextRun = &next
	}
	router.WriteJSON(ctx, v)
}

func (a *App) handler() fasthttp.RequestHandler {
	r := router.New()
	r.GET("/healthz", a.healthzHandlerFast)
	r.GET("/readyz", a.readyzHandlerFast)
	r.GET("/accounts", a.accountsHandlerFast)
	r.GET("/maintenance", a.maintenanceHandlerFast)
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	return r.Handler
}

// startHTTP starts the ops server, returning a channel that delivers its
// terminal error.
func (a *App) startHTTP() <-chan error {
	const (
		readTimeout  = 10 * time.Second
		writeTimeout = 10 * time.Second
		idleTimeout  = 30 * time.Second
	)
	a.srvFast = &fasthttp.Server{
		Handler:           a.handler(),
		Name:              "feedsync",
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReduceMemoryUsage: true,
	}

	errCh := make(chan error, 1)
	go func() {
		if a.listener != nil {
			errCh <- a.srvFast.Serve(a.listener)
			return
		}
		logger.Info("ops_server_listening", "addr", a.eff.MetricsAddr)
		errCh <- a.srvFast.ListenAndServe(a.eff.MetricsAddr)
	}()
	return errCh
}
