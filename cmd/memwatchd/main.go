package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"

	"github.com/memwatch/memwatch/internal/config"
	"github.com/memwatch/memwatch/internal/event"
	"github.com/memwatch/memwatch/internal/provider"
	"github.com/memwatch/memwatch/internal/threshold"
	"github.com/memwatch/memwatch/internal/ws"
)

// alertListener is the daemon's own observer: it logs a warning for every
// notification that clears its managed threshold.
type alertListener struct{}

func (alertListener) HandleNotification(n threshold.Notification, token any) {
	log.Printf("ALERT [%s] %s threshold crossed: used=%s (count=%d)",
		n.Pool, n.KindName, units.BytesSize(float64(n.Usage.Used)), n.ExceedCount)
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	watch := flag.Bool("watch", true, "Reload monitor intervals when the config file changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	heapLimit, err := cfg.MaxHeapBytes()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov := provider.NewRuntime(provider.RuntimeOptions{
		PollInterval: cfg.Provider.PollInterval,
		HeapLimit:    heapLimit,
	})
	go prov.Start(ctx)

	coord := threshold.New(prov, threshold.Options{
		ScanInterval: cfg.Monitor.ScanInterval,
	})
	defer coord.Close()

	store := event.NewStore(cfg.Monitor.EventLogSize)
	broadcaster := ws.NewBroadcaster(store, coord.Pools, cfg.Monitor.BroadcastThrottle, cfg.Monitor.SnapshotInterval)
	coord.SetEventSink(func(n threshold.Notification, delivered int) {
		broadcaster.QueueEvent(store.Add(n, delivered))
	})

	if cfg.Monitor.SummaryInterval > 0 {
		coord.EnableUsageSummary(cfg.Monitor.SummaryInterval)
	}

	// The handle is held for the life of the process; closing it on
	// shutdown reverts provider thresholds to their initial values.
	alerts := startAlerts(coord, cfg)
	defer func() {
		if alerts != nil {
			alerts.Close()
		}
	}()

	server := ws.NewServer(coord, store, broadcaster, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	applyIntervals := func(next *config.Config) {
		prov.SetPollInterval(next.Provider.PollInterval)
		coord.SetScanInterval(next.Monitor.ScanInterval)
		if next.Monitor.SummaryInterval > 0 {
			coord.EnableUsageSummary(next.Monitor.SummaryInterval)
		} else {
			coord.DisableUsageSummary()
		}
	}

	if *watch {
		go func() {
			if err := config.Watch(ctx, *configPath, applyIntervals); err != nil {
				log.Printf("config watch unavailable: %v", err)
			}
		}()
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			next, err := config.Load(*configPath)
			if err != nil {
				log.Printf("config reload failed, keeping previous: %v", err)
				continue
			}
			log.Printf("config reloaded from %s (SIGHUP)", *configPath)
			applyIntervals(next)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		coord.Close()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// startAlerts registers the daemon's logging listener and arms the managed
// thresholds configured under monitor.usage_percent / collection_percent.
func startAlerts(coord *threshold.Coordinator, cfg *config.Config) *threshold.Handle {
	if cfg.Monitor.UsagePercent <= 0 && cfg.Monitor.CollectionPercent <= 0 {
		return nil
	}
	h, err := coord.RegisterListener(alertListener{}, nil, nil)
	if err != nil {
		log.Printf("alert listener registration failed: %v", err)
		return nil
	}
	if p := cfg.Monitor.UsagePercent; p > 0 {
		if err := h.SetUsageThreshold(p); err != nil {
			log.Printf("usage alert threshold rejected: %v", err)
		}
	}
	if p := cfg.Monitor.CollectionPercent; p > 0 {
		if err := h.SetCollectionThreshold(p); err != nil {
			log.Printf("collection alert threshold rejected: %v", err)
		}
	}
	return h
}
