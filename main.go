package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/apex-data/racecoach/internal/api"
	"github.com/apex-data/racecoach/internal/coach"
	"github.com/apex-data/racecoach/internal/coachpipe"
	"github.com/apex-data/racecoach/internal/config"
	"github.com/apex-data/racecoach/internal/fanout"
	"github.com/apex-data/racecoach/internal/history"
	"github.com/apex-data/racecoach/internal/laps"
	"github.com/apex-data/racecoach/internal/mistakes"
	"github.com/apex-data/racecoach/internal/msgqueue"
	"github.com/apex-data/racecoach/internal/refstore"
	"github.com/apex-data/racecoach/internal/sim"
	"github.com/apex-data/racecoach/internal/telemetry"
	"github.com/apex-data/racecoach/internal/track"
	"github.com/apex-data/racecoach/internal/ui"
	"github.com/apex-data/racecoach/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to tuning config JSON (defaults apply when empty)")
	devMode    = flag.Bool("dev", false, "Run in dev mode (replay fixture, verbose logs)")
	replayPath = flag.String("replay", "fixtures/monza.jsonl", "Telemetry fixture replayed in dev mode")
	udpAddr    = flag.String("udp", ":9400", "UDP listen address for the telemetry bridge")
	listen     = flag.String("listen", "", "Advice API listen address (overrides config)")
	uiListen   = flag.String("ui-listen", "", "Dashboard websocket listen address (overrides config)")
	verbose    = flag.Bool("verbose", false, "Enable diagnostic and trace logging")
)

// telemetryBusDepth absorbs short consumer stalls at 60 Hz.
const telemetryBusDepth = 256

func main() {
	flag.Parse()
	log.Printf("racecoach %s starting", version.String())

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	adviceAddr := cfg.GetAdviceListen()
	if *listen != "" {
		adviceAddr = *listen
	}
	uiAddr := cfg.GetUIListen()
	if *uiListen != "" {
		uiAddr = *uiListen
	}

	var diag, trace io.Writer
	if *verbose || *devMode {
		diag = os.Stderr
	}
	if *verbose {
		trace = os.Stderr
	}
	coachpipe.SetLogWriters(os.Stderr, diag, trace)

	// Telemetry acquisition: replay a fixture in dev mode, otherwise listen
	// for bridge datagrams.
	var conn sim.Connector
	if *devMode {
		replay, err := sim.LoadFixture(*replayPath, telemetry.SessionDescriptor{
			TrackDisplayName: "monza",
			CarScreenName:    "gt3_huracan",
			SessionKind:      telemetry.SessionPractice,
		})
		if err != nil {
			log.Fatalf("failed to load replay fixture: %v", err)
		}
		replay.Loop = true
		conn = replay
	} else {
		conn = sim.NewUDPConnector(*udpAddr)
	}

	telemetryBus := fanout.New[telemetry.Sample]("telemetry", telemetryBusDepth, fanout.DropOldest)
	sessionBus := fanout.New[telemetry.SessionDescriptor]("session", 8, fanout.NoDrop)
	defer telemetryBus.Close()
	defer sessionBus.Close()

	adapter := sim.NewAdapter(conn, sim.AdapterConfig{
		PollInterval:    time.Duration(float64(time.Second) / cfg.GetTelemetryPollHz()),
		SessionInterval: time.Duration(cfg.GetSessionPollS() * float64(time.Second)),
	}, telemetryBus, sessionBus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Remote services are optional: without an API key everything stays
	// local and the coaching loop is unaffected.
	apiKey := os.Getenv("GEMINI_API_KEY")
	var remoteCoach coach.RemoteCoach
	var remoteTracks track.RemoteSource
	if apiKey != "" {
		g, err := coach.NewGeminiCoach(ctx, apiKey, cfg.GetRemoteModel())
		if err != nil {
			log.Printf("remote coach unavailable: %v", err)
		} else {
			remoteCoach = g
		}
		src, err := track.NewGeminiSource(ctx, apiKey, cfg.GetRemoteModel())
		if err != nil {
			log.Printf("remote track source unavailable: %v", err)
		} else {
			remoteTracks = src
		}
	} else {
		log.Print("GEMINI_API_KEY not set, running local-only")
	}

	persistDir := cfg.GetPersistenceDir()
	refs := laps.NewReferenceManager(refstore.NewStore(filepath.Join(persistDir, "laps")))
	tracks := track.NewStore(filepath.Join(persistDir, "tracks"), remoteTracks)

	histPath := cfg.GetHistoryDB()
	if dir := filepath.Dir(histPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create history directory: %v", err)
		}
	}
	histDB, err := history.Open(histPath)
	if err != nil {
		log.Fatalf("failed to open history database: %v", err)
	}
	defer histDB.Close()
	var uploader history.Uploader
	if url := os.Getenv("RACECOACH_UPLOAD_URL"); url != "" {
		uploader = history.NewHTTPUploader(url, nil)
	}
	recorder := history.NewRecorder(histDB, nil, uploader)

	tracker := mistakes.NewTracker(0)
	queue := msgqueue.New(nil)
	queue.Tune(
		time.Duration(cfg.GetMessageCooldownS()*float64(time.Second)),
		time.Duration(cfg.GetCombinationWindowS()*float64(time.Second)),
		time.Duration(cfg.GetDedupWindowFrontS()*float64(time.Second)),
		time.Duration(cfg.GetDedupWindowBackS()*float64(time.Second)))
	engine := coach.NewEngine(remoteCoach, cfg.GetRateLimitPerMinRemote())
	hub := ui.NewHub()

	pipeline := coachpipe.New(coachpipe.Config{
		TelemetryBus:     telemetryBus,
		SessionBus:       sessionBus,
		Tracks:           tracks,
		Refs:             refs,
		Tracker:          tracker,
		Queue:            queue,
		Engine:           engine,
		Hub:              hub,
		History:          recorder,
		SectorBoundaries: cfg.GetSectorBoundaries(),
		BufferDurationS:  cfg.GetBufferDurationS(),
		SampleHz:         cfg.GetTelemetryPollHz(),
		Mode:             cfg.GetCoachingMode(),
		IdleTimeout:      time.Duration(cfg.GetSessionIdleTimeoutS() * float64(time.Second)),
	})
	hub.History = queue.History
	hub.SetMode = pipeline.SetMode
	hub.Status = pipeline.Status

	dispatcher := msgqueue.NewDispatcher(queue, hub.PublishCoaching,
		time.Duration(cfg.GetDispatchIntervalS()*float64(time.Second)),
		cfg.GetDispatchBurst(), cfg.GetMaxMessages())

	adviceServer := api.NewServer(api.Config{
		Address: adviceAddr,
		Tracker: tracker,
		Refs:    refs,
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adapter.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("telemetry adapter stopped: %v", err)
		}
		log.Print("telemetry adapter terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipeline.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("pipeline stopped: %v", err)
		}
		log.Print("pipeline terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
		log.Print("enrichment worker terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
		log.Print("dispatcher terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adviceServer.Start(ctx); err != nil {
			log.Printf("advice server stopped: %v", err)
		}
	}()

	// Dashboard websocket server.
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)

		server := &http.Server{
			Addr:    uiAddr,
			Handler: mux,
		}
		go func() {
			log.Printf("dashboard listening on %s", uiAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start dashboard server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down dashboard server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("dashboard server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
