// Package router is a small fasthttp router with {param} path segments and
// JSON response helpers, shared by the ops server and the test gateways.
package router

import (
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"
)

// Router dispatches by method, then by the first registered pattern that
// matches the path.
type Router struct {
	routes   map[string][]route
	notFound fasthttp.RequestHandler
}

type route struct {
	pattern []string // "{name}" entries are parameters
	handler fasthttp.RequestHandler
}

func New() *Router {
	return &Router{routes: make(map[string][]route)}
}

func (r *Router) GET(path string, h fasthttp.RequestHandler)  { r.Handle(fasthttp.MethodGet, path, h) }
func (r *Router) POST(path string, h fasthttp.RequestHandler) { r.Handle(fasthttp.MethodPost, path, h) }

// Handle registers h for method and path.
func (r *Router) Handle(method, path string, h fasthttp.RequestHandler) {
	r.routes[method] = append(r.routes[method], route{pattern: split(path), handler: h})
}

// NotFound replaces the default 404 handler.
func (r *Router) NotFound(h fasthttp.RequestHandler) {
	r.notFound = h
}

// Handler satisfies fasthttp.RequestHandler. Path parameters are exposed as
// user values.
func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	parts := split(string(ctx.Path()))
	for _, rt := range r.routes[string(ctx.Method())] {
		if params, ok := match(rt.pattern, parts); ok {
			for k, v := range params {
				ctx.SetUserValue(k, v)
			}
			rt.handler(ctx)
			return
		}
	}
	if r.notFound != nil {
		r.notFound(ctx)
		return
	}
	WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
}

// Param returns the path parameter name of the current request.
func Param(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func match(pattern, parts []string) (map[string]string, bool) {
	if len(pattern) != len(parts) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range pattern {
		if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
			params[seg[1:len(seg)-1]] = parts[i]
			continue
		}
		if seg != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// WriteJSON writes data with status 200.
func WriteJSON(ctx *fasthttp.RequestCtx, data any) {
	ctx.SetContentType("application/json")
	if err := json.NewEncoder(ctx).Encode(data); err != nil {
		WriteJSONError(ctx, fasthttp.StatusInternalServerError, err.Error())
	}
}

// WriteJSONError writes {"error": message} with status.
func WriteJSONError(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	_ = json.NewEncoder(ctx).Encode(map[string]string{"error": message})
}

// ReadJSON decodes the request body into out, answering 400 on failure.
func ReadJSON(ctx *fasthttp.RequestCtx, out any) bool {
	if err := json.Unmarshal(ctx.PostBody(), out); err != nil {
		WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}
