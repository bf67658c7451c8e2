package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bonding-curve-feed/internal/cache"
	"bonding-curve-feed/internal/config"
	"bonding-curve-feed/internal/domain"
	"bonding-curve-feed/internal/ingestion"
	"bonding-curve-feed/internal/livefeed"
	"bonding-curve-feed/internal/logging"
	"bonding-curve-feed/internal/observability"
	"bonding-curve-feed/internal/program"
	"bonding-curve-feed/internal/rpcqueue"
	"bonding-curve-feed/internal/solana"
	"bonding-curve-feed/internal/state"
	"bonding-curve-feed/internal/volume"
	"bonding-curve-feed/internal/webhook"
)

const (
	defaultTrendingLimit = 20
	maxTrendingLimit     = 100
	sweepInterval        = time.Minute
	shutdownTimeout      = 10 * time.Second
)

// deps are the external clients a Server runs against.
type deps struct {
	RPC   solana.RPCClient
	WS    solana.WSClient       // nil disables the log watcher
	Redis redis.UniversalClient // nil keeps caches in memory
}

// Server holds all components of the live feed service.
type Server struct {
	cfg *config.Config
	log *logrus.Logger

	rpc        solana.RPCClient
	sched      *rpcqueue.Scheduler
	registry   *livefeed.Registry
	processor  *webhook.Processor
	aggregator *volume.Aggregator
	store      *state.Store
	reader     *state.RPCAccountReader
	poller     *state.Poller
	watcher    *ingestion.LogWatcher

	started time.Time
}

func newServer(cfg *config.Config, log *logrus.Logger, d deps) (*Server, error) {
	decoder, err := program.NewDecoder(cfg.ProgramID)
	if err != nil {
		return nil, err
	}

	sched := rpcqueue.New(rpcqueue.Config{
		MaxRequests:    cfg.RPC.MaxRequests,
		Window:         cfg.RPC.Window,
		MinInterval:    cfg.RPC.MinInterval,
		DefaultBackoff: cfg.RPC.Backoff,
		MaxRetries:     cfg.RPC.MaxRetries,
		Logger:         logging.Component(log, "rpc_scheduler"),
	})

	var (
		seen      cache.SeenSet = cache.NewMemorySeenSet(cfg.SignatureRetention)
		snapshots *cache.Cache[domain.PoolSnapshot]
	)
	if d.Redis != nil {
		seen = cache.NewRedisSeenSet(d.Redis, "feed:seen", cfg.SignatureRetention)
		snapshots = cache.New(cache.Options[domain.PoolSnapshot]{
			Client: d.Redis,
			Prefix: "feed:pool",
			TTL:    cfg.PollInterval,
		})
	}

	aggregator := volume.New(cfg.VolumeWindow)
	processor := webhook.NewProcessor(webhook.Options{
		Decoder:    decoder,
		Aggregator: aggregator,
		Seen:       seen,
		Logger:     logging.Component(log, "webhook"),
	})

	registry := livefeed.NewRegistry(livefeed.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		CleanupInterval:   cfg.CleanupInterval,
		StaleAfter:        cfg.StaleAfter,
		Logger:            logging.Component(log, "livefeed"),
	})

	reader, err := state.NewRPCAccountReader(state.ReaderOptions{
		Client:     d.RPC,
		Scheduler:  sched,
		ProgramID:  cfg.ProgramID,
		DedupeTTL:  cfg.DedupeTTL,
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay,
		Cache:      snapshots,
		Logger:     logging.Component(log, "reader"),
	})
	if err != nil {
		sched.Close()
		return nil, err
	}

	store := state.NewStore(logging.Component(log, "state"))
	poller := state.NewPoller(store, reader, cfg.PollInterval, logging.Component(log, "poller"))
	store.OnUnknownPool(poller.Request)

	s := &Server{
		cfg:        cfg,
		log:        log,
		rpc:        d.RPC,
		sched:      sched,
		registry:   registry,
		processor:  processor,
		aggregator: aggregator,
		store:      store,
		reader:     reader,
		poller:     poller,
		started:    time.Now(),
	}
	if d.WS != nil {
		s.watcher = ingestion.NewLogWatcher(ingestion.LogWatcherOptions{
			WS:            d.WS,
			RPC:           d.RPC,
			Scheduler:     sched,
			Processor:     processor,
			Broadcaster:   registry,
			ProgramID:     cfg.ProgramID,
			BackfillLimit: cfg.BackfillLimit,
			Logger:        logging.Component(log, "ingestion"),
		})
	}
	return s, nil
}

// Router returns the HTTP routes of the service.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/webhook", webhook.NewHandler(s.processor, s.registry, s.cfg.WebhookSecret, logging.Component(s.log, "webhook"))).
		Methods(http.MethodPost)
	api.Handle("/live", livefeed.SSEHandler(s.registry, livefeed.DefaultSinkBuffer)).Methods(http.MethodGet)
	api.Handle("/live/ws", livefeed.WSHandler(s.registry, livefeed.WSOptions{})).Methods(http.MethodGet)
	api.Handle("/live/stats", livefeed.StatsHandler(s.registry)).Methods(http.MethodGet)
	api.HandleFunc("/trending", s.handleTrending).Methods(http.MethodGet)
	api.HandleFunc("/pools/{address}", s.handlePool).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", observability.Handler())
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

// Run starts every background component and serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.registry.Start(ctx)
	sub := s.registry.Subscribe(0)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).WithField("component", name).Error("component stopped")
			}
		}()
	}

	run("volume", func(ctx context.Context) error {
		s.aggregator.Run(ctx, sweepInterval)
		return nil
	})
	run("state", func(ctx context.Context) error {
		s.consume(ctx, sub)
		return nil
	})
	run("poller", s.poller.Run)
	if s.watcher != nil {
		run("ingestion", s.watcher.Run)
	}

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.ListenAddr).Info("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	// streaming handlers return once the registry closes their sinks
	s.registry.Shutdown()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		s.log.WithError(serr).Warn("HTTP shutdown")
	}

	cancel()
	wg.Wait()
	s.reader.Close()
	s.sched.Close()
	return err
}

// consume feeds the server's own broadcasts into the embedded state store.
func (s *Server) consume(ctx context.Context, sub *livefeed.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.store.ApplyEvent(ev); err != nil {
				s.log.WithError(err).WithField("event_type", ev.Type).Warn("apply event")
			}
		}
	}
}

type trendingResponse struct {
	Entries   []domain.TrendingEntry `json:"entries"`
	Total     int                    `json:"total"`
	Timestamp int64                  `json:"timestamp"`
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	limit := defaultTrendingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxTrendingLimit)
	}

	s.store.Rerank()
	entries := s.store.Trending(limit)
	writeJSON(w, http.StatusOK, trendingResponse{
		Entries:   entries,
		Total:     len(entries),
		Timestamp: time.Now().UnixMilli(),
	})
}

type poolResponse struct {
	state.PoolView
	PriceLabel string `json:"priceLabel"`
	Error      string `json:"error,omitempty"`
}

// handlePool renders one pool, pulling it on demand when the store has no record.
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]

	view, err := s.store.Pool(addr)
	if errors.Is(err, state.ErrPoolNotFound) || (err == nil && view.Record == nil) {
		if snap, rerr := s.reader.ReadPool(r.Context(), addr); rerr == nil {
			s.store.ApplySnapshot(snap)
			view, err = s.store.Pool(addr)
		} else if !errors.Is(rerr, state.ErrPoolNotFound) {
			s.log.WithError(rerr).WithField("pool", addr).Warn("on-demand pool pull")
		}
	}

	resp := poolResponse{PoolView: view, PriceLabel: view.PriceLabel()}
	switch {
	case errors.Is(err, state.ErrInvalidAddress):
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, state.ErrPoolNotFound):
		resp.Error = err.Error()
		writeJSON(w, http.StatusNotFound, resp)
	case err != nil:
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status      string         `json:"status"`
	Uptime      string         `json:"uptime"`
	Started     time.Time      `json:"started"`
	Slot        int64          `json:"slot,omitempty"`
	SlotError   string         `json:"slot_error,omitempty"`
	Connections int            `json:"connections"`
	Pools       int            `json:"pools"`
	VolumePools int            `json:"volume_pools"`
	LogWatcher  bool           `json:"log_watcher"`
	RPC         rpcqueue.Stats `json:"rpc"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:      "running",
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Started:     s.started,
		Connections: s.registry.Len(),
		Pools:       len(s.store.Pools()),
		VolumePools: len(s.aggregator.Pools()),
		LogWatcher:  s.watcher != nil,
		RPC:         s.sched.Stats(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	slot, err := rpcqueue.Do(ctx, s.sched, "getSlot", s.rpc.GetSlot)
	if err != nil {
		resp.Status = "degraded"
		resp.SlotError = err.Error()
	} else {
		resp.Slot = slot
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
