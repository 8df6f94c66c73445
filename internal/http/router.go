package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/interlock/internal/auth"
	iotel "github.com/mistakeknot/interlock/internal/otel"
	"github.com/mistakeknot/interlock/internal/storage/remote"
)

// NewRouter mounts the protocol routes. stream serves the event tail and
// may be nil; mw wraps every route (typically auth.Middleware).
//
// The SQL routes reach every project in the database, so API-key callers,
// whose keys name one project, are limited to health and the stream.
func NewRouter(svc *Service, stream http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(remote.RouteQuery, svc.instrument(remote.RouteQuery, localOnly(svc.handleQuery)))
	mux.Handle(remote.RouteExec, svc.instrument(remote.RouteExec, localOnly(svc.handleExec)))
	mux.Handle(remote.RouteTxBegin, svc.instrument(remote.RouteTxBegin, localOnly(svc.handleBegin)))
	mux.Handle(remote.RouteTx, svc.instrument(remote.RouteTx, localOnly(svc.handleTx)))
	mux.Handle(remote.RouteHealth, svc.instrument(remote.RouteHealth, svc.handleHealth))
	if stream != nil {
		mux.Handle(remote.RouteStream, stream)
	}
	if mw == nil {
		return mux
	}
	return mw(mux)
}

// localOnly rejects callers authenticated by a project API key.
func localOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if info, ok := auth.FromContext(r.Context()); ok && info.Mode == auth.ModeAPIKey {
			writeError(w, http.StatusForbidden, remote.CodeForbidden,
				"api keys are scoped to project "+info.Project+"; sql routes need the unix socket or localhost")
			return
		}
		h(w, r)
	}
}

func (s *Service) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := iotel.StartServerSpan(r.Context(), s.tracer, "daemon "+route, iotel.AttrRoute.String(route))
		defer span.End()
		h(w, r.WithContext(ctx))
		s.metrics.RecordRequest(ctx, route, time.Since(start))
	})
}
