package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/BearBump/LiveTrack/internal/cache/rediscache"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/services/statuswatch"
	"github.com/BearBump/LiveTrack/internal/services/subscriber"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type viewerDeps struct {
	follower  *follower
	sub       *subscriber.Subscriber
	watcher   *statuswatch.Watcher
	positions *rediscache.PositionStore
	connected func() bool
}

type viewerHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	deps viewerDeps
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newViewerRouter(opts viewerHTTPOpts) http.Handler {
	d := opts.deps
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.connected != nil && !d.connected() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "relay disconnected"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"state":          d.sub.State(),
			"shipmentId":     d.sub.ShipmentID(),
			"statusWatch":    d.watcher.Stats(),
			"relayConnected": d.connected != nil && d.connected(),
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Put("/follow", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ShipmentID models.ShipmentID `json:"shipmentId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
			return
		}
		if err := d.follower.Follow(r.Context(), req.ShipmentID); err != nil {
			code := http.StatusBadRequest
			switch {
			case errors.Is(err, ErrShipmentFinished):
				code = http.StatusConflict
			case errors.Is(err, models.ErrShipmentNotFound):
				code = http.StatusNotFound
			}
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"shipmentId": req.ShipmentID, "state": d.sub.State()})
	})
	r.Delete("/follow", func(w http.ResponseWriter, r *http.Request) {
		d.follower.Leave()
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/position", func(w http.ResponseWriter, r *http.Request) {
		s, ok := d.sub.LastSample()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no position yet"})
			return
		}
		writeJSON(w, http.StatusOK, messages.FromSample(s))
	})
	// Позиция из Redis: то, что видят дашборды через redis-sink.
	r.Get("/positions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := models.ShipmentID(chi.URLParam(r, "id"))
		marker, ok, err := d.positions.Load(r.Context(), rediscache.PositionMarker, id)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no stored position"})
			return
		}
		writeJSON(w, http.StatusOK, marker)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		d.watcher.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	return r
}

func runViewerHTTPServer(ctx context.Context, opts viewerHTTPOpts) error {
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newViewerRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
