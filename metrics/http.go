// Package metrics has prometheus metric variables/functions, and serves them
// over HTTP.
package metrics

import (
	"errors"
	golog "log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/smtpsubmit/mlog"
)

// Serve starts an HTTP server on addr with the prometheus metrics at /metrics.
// The returned function stops the server.
func Serve(elog *slog.Logger, addr string) (net.Addr, func(), error) {
	log := mlog.New("metrics", elog)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          golog.New(mlog.ErrWriter(log, mlog.LevelInfo, "metrics http server error"), "", 0),
	}
	go func() {
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorx("serving metrics", err)
		}
	}()
	log.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	stop := func() {
		err := srv.Close()
		log.Check(err, "closing metrics http server")
	}
	return ln.Addr(), stop, nil
}
