package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"

	"gridsim.ai/internal/grid"
	"gridsim.ai/internal/observe"
	persistlog "gridsim.ai/internal/persistence/log"
	"gridsim.ai/internal/sim/interest"
	"gridsim.ai/internal/sim/runtime"
	"gridsim.ai/internal/sim/scene"
	"gridsim.ai/internal/sim/tuning"
	"gridsim.ai/internal/sim/updates"
	"gridsim.ai/internal/transport/viewer"
)

const serviceVersion = "0.1.0"

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configDir   = flag.String("configs", "./configs", "config directory")
		tuningPath  = flag.String("tuning", "", "path to interest.yaml (default: <configs>/interest.yaml)")
		regionsPath = flag.String("regions", "", "grid seed path (default: <configs>/regions.yaml)")
		scenePath   = flag.String("scene", "", "scene fixture to load into the region (optional)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		disableTick = flag.Bool("disable_tick_log", false, "disable the per-tick jsonl.zst log")
		logFile     = flag.String("log_file", "", "write logs to this file with rotation instead of stdout")
		logMaxMB    = flag.Int("log_max_mb", 100, "rotate log_file after this many megabytes")
		allowRemote = flag.Bool("allow_remote", envBool("GS_ALLOW_REMOTE_VIEWERS", false), "accept viewer connections from non-loopback addresses")
	)
	flag.Parse()

	var out io.Writer = os.Stdout
	if *logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    *logMaxMB,
			MaxBackups: 5,
			Compress:   true,
		}
		defer lj.Close()
		out = lj
	}
	logger := log.New(out, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if *tuningPath == "" {
		*tuningPath = filepath.Join(*configDir, "interest.yaml")
	}
	if *regionsPath == "" {
		*regionsPath = filepath.Join(*configDir, "regions.yaml")
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	info := tune.RegionInfo()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("mkdir data: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := grid.Open(filepath.Join(*dataDir, "grid.sqlite"))
	if err != nil {
		logger.Fatalf("grid: %v", err)
	}
	defer store.Close()

	gridCfg, err := grid.LoadConfig(*regionsPath)
	if err != nil && !os.IsNotExist(err) {
		logger.Fatalf("grid seed: %v", err)
	}
	if err := store.Seed(ctx, gridCfg); err != nil {
		logger.Fatalf("grid seed: %v", err)
	}
	if err := store.UpsertRegion(ctx, grid.Region{
		ID: info.ID, Name: info.Name,
		LocX: info.LocX, LocY: info.LocY,
		SizeX: info.SizeX, SizeY: info.SizeY,
	}); err != nil {
		logger.Fatalf("grid register: %v", err)
	}
	locator := grid.NewLocator(store, grid.DefaultLocatorOptions(), log.New(out, "[grid] ", log.LstdFlags|log.Lmicroseconds))

	region := scene.NewRegion(info)
	if *scenePath != "" {
		fx, err := scene.LoadFixture(*scenePath)
		if err != nil {
			logger.Fatalf("scene: %v", err)
		}
		if err := fx.Apply(region); err != nil {
			logger.Fatalf("scene: %v", err)
		}
		logger.Printf("scene loaded: presences=%d groups=%d", len(fx.Presences), len(fx.Groups))
	}

	interestLog := log.New(out, "[interest] ", log.LstdFlags|log.Lmicroseconds)
	icfg := tune.Interest()
	culler := interest.NewCuller(icfg, region, locator, interestLog)
	prio := interest.NewPrioritizer(icfg, interestLog)
	sched := updates.NewScheduler(region, culler, prio, updates.Config{
		MaxUpdatesPerTick: tune.InterestManagement.MaxUpdatesPerTick,
		Workers:           tune.InterestManagement.Workers,
	})

	mp, metricsHandler, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "gridsim-region",
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		logger.Fatalf("metrics: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel2()
		_ = shutdownMetrics(ctx2)
	}()
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		logger.Fatalf("metrics: %v", err)
	}

	opts := runtime.Options{
		Metrics:    metrics,
		Placements: store,
		Offsets:    locator,
		Logger:     log.New(out, "[region] ", log.LstdFlags|log.Lmicroseconds),
	}
	if !*disableTick {
		tickLog := persistlog.NewTickLogger(filepath.Join(*dataDir, info.ID.String()))
		defer tickLog.Close()
		opts.TickLog = tickLog
	}
	rt := runtime.New(runtime.Config{
		TickRateHz:          tune.TickRateHz,
		DefaultDrawDistance: tune.Viewer.DefaultDrawDistance,
	}, region, sched, culler, opts)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("region stopped: %v", err)
			cancel()
		}
	}()

	vs := viewer.NewServer(rt, viewer.Options{
		AllowRemote:       *allowRemote,
		SendQueue:         tune.Viewer.SendQueue,
		Scheme:            icfg.UpdatePrioritizationScheme,
		UseCulling:        icfg.UseCulling,
		MaxUpdatesPerTick: tune.InterestManagement.MaxUpdatesPerTick,
	}, log.New(out, "[viewer] ", log.LstdFlags|log.Lmicroseconds))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/viewer/bootstrap", vs.BootstrapHandler())
	mux.HandleFunc("/v1/viewer/ws", vs.WSHandler())
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		agents, regions := locator.Stats()
		resp := map[string]any{
			"region_id":    info.ID.String(),
			"region_name":  info.Name,
			"tick":         rt.CurrentTick(),
			"viewers":      rt.Viewers(),
			"last_tick":    sched.LastSummary(),
			"grid_store":   store.Stats(),
			"agent_cache":  agents,
			"region_cache": regions,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	})
	if envBool("GS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("region %s (%s) at <%d,%d> scheme=%s culling=%v listening on %s",
		info.Name, info.ID, info.LocX, info.LocY, icfg.UpdatePrioritizationScheme, icfg.UseCulling, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}
	<-runDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
