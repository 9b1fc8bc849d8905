package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flight-for-life/alerts"
	"flight-for-life/chat"
	"flight-for-life/command"
	"flight-for-life/config"
	"flight-for-life/db"
	"flight-for-life/fleet"
	"flight-for-life/frames"
	"flight-for-life/hub"
	"flight-for-life/ingest"
	"flight-for-life/metrics"
	"flight-for-life/models"
	"flight-for-life/notify"
	"flight-for-life/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/mdobak/go-xerrors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxAlertBodyBytes = 16 << 20

type apiError struct {
	Message string `json:"message"`
}

// app holds the hub's components, wired once at startup.
type app struct {
	cfg        config.Config
	hub        *hub.Hub
	registry   *fleet.Registry
	ledger     *alerts.Ledger
	telemetry  *ingest.Telemetry
	detections *ingest.Detections
	router     *command.Router
	frames     *frames.Cache
	journal    *db.SQLiteClient
	metrics    *metrics.Metrics
	promReg    *prometheus.Registry
	closers    []func()
}

// newApp builds the hub. Collaborators whose configuration is missing are
// left out; the core runs without them.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := utils.GetLogger()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	a := &app{cfg: cfg, metrics: m, promReg: promReg}

	a.hub = hub.New(hub.WithQueueSize(cfg.HubQueueSize), hub.WithMetrics(m), hub.WithLogger(logger))
	a.closers = append(a.closers, func() { _ = a.hub.Close() })

	cache, err := frames.New(cfg.FrameCacheSize)
	if err != nil {
		return nil, err
	}
	a.frames = cache

	journal, err := db.NewSQLiteClient(cfg.JournalDSN)
	if err != nil {
		return nil, err
	}
	a.journal = journal
	a.closers = append(a.closers, func() { _ = journal.Close() })

	ledgerOpts := []alerts.Option{
		alerts.WithMetrics(m),
		alerts.WithObserver(journal),
		alerts.WithHandoffTimeout(cfg.HandoffTimeout),
	}

	if cfg.NATSURL != "" {
		fanout, err := notify.NewNATSFanout(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.WarnContext(ctx, "NATS unavailable, alert fan-out disabled", slog.Any("error", xerrors.New(err)))
		} else {
			ledgerOpts = append(ledgerOpts, alerts.WithObserver(fanout))
			a.closers = append(a.closers, fanout.Close)
		}
	}

	if rescue := newRescue(ctx, cfg); rescue != nil {
		ledgerOpts = append(ledgerOpts, alerts.WithExplainer(rescue))
	}

	a.ledger = alerts.NewLedger(a.hub, ledgerOpts...)
	a.registry = fleet.NewRegistry(a.ledger)
	a.telemetry = ingest.NewTelemetry(a.registry, a.hub, m)
	a.detections = ingest.NewDetections(a.registry, a.ledger, a.hub, a.frames, m)
	a.router = command.NewRouter(a.registry, a.ledger, a.hub, m)
	return a, nil
}

func newRescue(ctx context.Context, cfg config.Config) *notify.Rescue {
	logger := utils.GetLogger()

	var describer notify.Describer
	if cfg.GeminiAPIKey != "" {
		client, err := chat.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.WarnContext(ctx, "vision explanation disabled", slog.Any("error", xerrors.New(err)))
		} else {
			describer = client
		}
	}

	var messengers []notify.Messenger
	if cfg.SMSEnabled() {
		sms, err := notify.NewSMS(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom, cfg.TwilioTo)
		if err != nil {
			logger.WarnContext(ctx, "SMS notifications disabled", slog.Any("error", xerrors.New(err)))
		} else {
			messengers = append(messengers, sms)
		}
	}

	if describer == nil && len(messengers) == 0 {
		return nil
	}
	return notify.NewRescue(describer, cfg.PublicBaseURL, messengers...)
}

// close waits for in-flight hand-offs, then releases resources in reverse
// order of acquisition.
func (a *app) close() {
	a.ledger.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

// newAlertHandler accepts `POST /alert` from inference agents: a frame in
// which at least one person was found.
func newAlertHandler(a *app) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		a.metrics.Inbound("alert")

		body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unable to read request body")
			return
		}

		var notice models.AlertNotify
		if err := json.Unmarshal(body, &notice); err != nil {
			logger.WarnContext(ctx, "failed to parse alert payload", slog.Any("error", err))
			writeJSONError(w, http.StatusBadRequest, "invalid alert payload")
			return
		}

		frame, err := ingest.DecodeFrame(notice.Frame)
		if err != nil {
			a.metrics.Rejected("invalid_detection_report")
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := a.detections.Report(ctx, r.RemoteAddr, ingest.Report{
			Drone:      notice.Drone,
			HumanCount: 1,
			Frame:      frame,
		})
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		status := http.StatusAccepted
		if res.Raised {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{
			"drone":   notice.Drone,
			"alert":   res.Alert,
			"raised":  res.Raised,
			"pending": !res.Raised,
		})
	}
}

// newDroneFrameHandler serves the latest evidence frame of a drone.
func newDroneFrameHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := models.DroneID(chi.URLParam(r, "id"))
		frame, ok := a.frames.Latest(id)
		if !ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, "Error: no frame for drone '"+id.String()+"'\n")
			return
		}
		writeFrame(w, frame)
	}
}

// newAlertFrameHandler serves the frame an alert was raised with. Rescue
// notifications link here, since a drone's latest frame moves on.
func newAlertFrameHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		frame, ok := a.frames.Evidence(id)
		if !ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, "Error: no evidence frame for alert '"+id+"'\n")
			return
		}
		writeFrame(w, frame)
	}
}

func writeFrame(w http.ResponseWriter, frame frames.Frame) {
	w.Header().Set("Content-Type", http.DetectContentType(frame.Data))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", frame.ReceivedAt.Format(http.TimeFormat))
	_, _ = w.Write(frame.Data)
}

func newDronesHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.registry.Snapshot())
	}
}

func newDroneHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := models.DroneID(chi.URLParam(r, "id"))
		for _, v := range a.registry.Snapshot() {
			if v.ID == id {
				writeJSON(w, http.StatusOK, v)
				return
			}
		}
		writeJSONError(w, http.StatusNotFound, "unknown drone")
	}
}

func newPendingAlertsHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.ledger.Pending())
	}
}

func newAlertHistoryHandler(a *app) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		drone := models.DroneID(strings.TrimSpace(r.URL.Query().Get("drone")))

		history, err := a.journal.History(r.Context(), drone, limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to load alert history", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "failed to load alert history")
			return
		}
		if history == nil {
			history = []alerts.Transition{}
		}
		writeJSON(w, http.StatusOK, history)
	}
}

func newChannelsHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.hub.Channels())
	}
}

// newRouter builds the HTTP surface. socketServer may be nil in tests.
func newRouter(a *app, socketServer http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))

	if socketServer != nil {
		r.Handle("/socket.io/*", socketServer)
	}

	r.Post("/alert", newAlertHandler(a))
	r.Get("/drone/{id}", newDroneFrameHandler(a))

	r.Route("/api", func(r chi.Router) {
		r.Get("/drones", newDronesHandler(a))
		r.Get("/drones/{id}", newDroneHandler(a))
		r.Get("/alerts", newPendingAlertsHandler(a))
		r.Get("/alerts/history", newAlertHistoryHandler(a))
		r.Get("/alerts/{id}/frame", newAlertFrameHandler(a))
		r.Get("/channels", newChannelsHandler(a))
	})
	return r
}

func serve(protocol, port string) {
	protocol = strings.ToLower(protocol)
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if port != "" {
		cfg.Port = port
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to start hub: %v", err)
	}
	defer a.close()

	var allowOriginFunc = func(r *http.Request) bool {
		return true
	}

	server := socketio.NewServer(&engineio.Options{
		PingTimeout:  cfg.PingTimeout,
		PingInterval: cfg.PingInterval,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})
	newSocketController(a).register(server)

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("socketio listen error: %s\n", err)
		}
	}()
	defer server.Close()

	serveHTTP(newRouter(a, server), protocol == "https", cfg)
}

func serveHTTP(handler http.Handler, serveHTTPS bool, cfg config.Config) {
	addr := ":" + cfg.Port
	if serveHTTPS {
		if cfg.CertKey == "" || cfg.CertFile == "" {
			log.Fatal("Missing cert")
		}
		httpsServer := &http.Server{
			Addr: addr,
			TLSConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			Handler: handler,
		}

		log.Printf("Starting HTTPS server on %s\n", addr)
		if err := httpsServer.ListenAndServeTLS(cfg.CertFile, cfg.CertKey); err != nil {
			log.Fatalf("HTTPS server ListenAndServeTLS: %v", err)
		}
		return
	}

	log.Printf("Starting HTTP server on port %v", cfg.Port)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("HTTP server ListenAndServe: %v", err)
	}
}
