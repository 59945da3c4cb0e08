package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/LiveTrack/internal/integrations/bookingapi"
	"github.com/BearBump/LiveTrack/internal/integrations/geolocation"
	"github.com/BearBump/LiveTrack/internal/integrations/geolocation/simulated"
	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/BearBump/LiveTrack/internal/services/dispatch"
	"github.com/BearBump/LiveTrack/internal/services/publisher"
	"github.com/BearBump/LiveTrack/internal/services/shipments"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type agentDeps struct {
	publisher   *publisher.Publisher
	dispatch    *dispatch.Controller
	shipments   *shipments.Service
	source      *simulated.Source
	permissions *simulated.Permissions
	notices     *publisher.RecentNotices
	sessions    *publisher.Registry
	connected   func() bool
}

type agentHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	deps agentDeps
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type statusResponse struct {
	Shipment *models.Shipment `json:"shipment"`
	Action   dispatch.Action  `json:"action"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, shipments.ErrEmptyShipmentID),
		errors.Is(err, shipments.ErrInvalidStatus),
		errors.Is(err, shipments.ErrReasonRequired):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrShipmentNotFound):
		code = http.StatusNotFound
	case errors.Is(err, bookingapi.ErrRateLimited):
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func newAgentRouter(opts agentHTTPOpts) http.Handler {
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
			"publisher":          d.publisher.Stats(),
			"dispatch":           d.dispatch.Stats(),
			"relayConnected":     d.connected != nil && d.connected(),
			"activeWatches":      d.source.ActiveWatches(),
			"locationPermission": d.permissions.State(),
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Get("/notices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.notices.List())
	})
	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.sessions.Snapshot())
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/shipments/{id}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			sh, err := d.shipments.GetShipment(r.Context(), models.ShipmentID(chi.URLParam(r, "id")))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, sh)
		})
		r.Post("/status", func(w http.ResponseWriter, r *http.Request) {
			var req statusRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
				return
			}
			id := models.ShipmentID(chi.URLParam(r, "id"))
			sh, act, err := d.dispatch.Transition(r.Context(), d.shipments, id, req.Status, req.Reason)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, statusResponse{Shipment: sh, Action: act})
		})
	})

	// Управление симулятором геолокации (демо и ручные проверки).
	r.Route("/simulator", func(r chi.Router) {
		r.Post("/permission", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				State geolocation.PermissionState `json:"state"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
				return
			}
			switch req.State {
			case geolocation.PermissionGranted, geolocation.PermissionDenied, geolocation.PermissionPrompt:
			default:
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state must be granted, denied or prompt"})
				return
			}
			d.permissions.Set(req.State)
			writeJSON(w, http.StatusOK, map[string]any{"state": req.State})
		})
		r.Post("/unavailable", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Unavailable bool `json:"unavailable"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
				return
			}
			d.source.SetUnavailable(req.Unavailable)
			writeJSON(w, http.StatusOK, map[string]any{"unavailable": req.Unavailable})
		})
		r.Post("/errors", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Code    geolocation.Code `json:"code"`
				Message string           `json:"message"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
				return
			}
			d.source.InjectError(req.Code, req.Message)
			writeJSON(w, http.StatusOK, map[string]any{"injected": req.Code.String()})
		})
	})

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	return r
}

func runAgentHTTPServer(ctx context.Context, opts agentHTTPOpts) error {
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("agent swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newAgentRouter(opts), ReadHeaderTimeout: 5 * time.Second}
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
