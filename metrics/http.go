// Package metrics has prometheus metric variables/functions and the metrics
// HTTP endpoint.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudmailing/cm/mlog"
)

var pkglog = mlog.New("metrics", nil)

// ListenAndServe runs an HTTP server with the prometheus metrics at /metrics until ctx
// is done. An empty addr disables the endpoint.
func ListenAndServe(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		err := srv.Close()
		pkglog.Check(err, "closing metrics http server")
	}()
	pkglog.Print("serving metrics", slog.String("addr", addr))
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		pkglog.Errorx("metrics http server", err)
	}
}
