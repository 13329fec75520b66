// Command bonproxyd mediates concurrent access to a set of heterogeneous
// tuner drivers behind one wire protocol (spec §1): it owns the catalog
// database, runs the tuner pool and logical selector, optionally scans and
// passively observes registered drivers, and serves sessions over a
// length-prefixed TCP protocol plus a Prometheus/health HTTP endpoint.
//
// Flag parsing and signal-driven shutdown follow
// cmd/plex-tuner/main.go's flag.Parse + signal.Notify(SIGINT, SIGTERM) shape.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bonproxy/tunerproxy/internal/catalog"
	"github.com/bonproxy/tunerproxy/internal/config"
	"github.com/bonproxy/tunerproxy/internal/driverapi"
	"github.com/bonproxy/tunerproxy/internal/metrics"
	"github.com/bonproxy/tunerproxy/internal/passivescan"
	"github.com/bonproxy/tunerproxy/internal/scanscheduler"
	"github.com/bonproxy/tunerproxy/internal/selector"
	"github.com/bonproxy/tunerproxy/internal/server"
	"github.com/bonproxy/tunerproxy/internal/sharedtuner"
	"github.com/bonproxy/tunerproxy/internal/tunerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const sessionIdleTimeout = 5 * time.Minute

func main() {
	cfg := config.Load()
	fs := flag.NewFlagSet("bonproxyd", flag.ExitOnError)
	if err := cfg.ApplyFlags(fs, os.Args[1:]); err != nil {
		log.Fatalf("bonproxyd: flags: %v", err)
	}

	cat, err := catalog.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("bonproxyd: open catalog %s: %v", cfg.DatabasePath, err)
	}
	defer cat.Close()

	if cfg.ExportSnapshotPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cat.ExportCompressedSnapshot(ctx, cfg.ExportSnapshotPath); err != nil {
			log.Fatalf("bonproxyd: export snapshot: %v", err)
		}
		log.Printf("bonproxyd: wrote catalog snapshot to %s", cfg.ExportSnapshotPath)
		return
	}

	if cfg.PreregisterTuner != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := cat.UpsertDriver(ctx, cfg.PreregisterTuner); err != nil {
			log.Printf("bonproxyd: pre-register %s: %v", cfg.PreregisterTuner, err)
		}
		cancel()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mreg := metrics.New(prometheus.DefaultRegisterer)

	pool := tunerpool.New()
	pool.Metrics = mreg
	sel := selector.New(cat, pool, openDriver)

	if cfg.PassiveDuringExclusive {
		pool.OnAllocate = func(driverID int, tuner *sharedtuner.SharedTuner) {
			scanner := passivescan.New(int64(driverID), cat)
			go func() {
				if err := scanner.Run(ctx, tuner); err != nil {
					log.Printf("bonproxyd: passive scan driver=%d: %v", driverID, err)
				}
			}()
		}
	}

	srv := server.New(cfg.Listen, server.Deps{
		Catalog:  cat,
		Pool:     pool,
		Selector: sel,
		Metrics:  mreg,
		OpenByPath: func(ctx context.Context, path string) (driverapi.Driver, error) {
			return openDriver(ctx, catalog.Driver{Path: path})
		},
	}, sessionIdleTimeout, cfg.MaxConnections)

	go runWebServer(ctx, cfg.WebListen)

	if cfg.EnableScan {
		go runScanScheduler(ctx, cat, pool, mreg, cfg)
	}

	log.Printf("bonproxyd: starting (listen=%s web=%s database=%s)", cfg.Listen, cfg.WebListen, cfg.DatabasePath)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("bonproxyd: server: %v", err)
	}
	log.Printf("bonproxyd: shutdown complete")
}

func runWebServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()
	log.Printf("bonproxyd: web listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("bonproxyd: web server: %v", err)
	}
}

func runScanScheduler(ctx context.Context, cat *catalog.Catalog, pool *tunerpool.Pool, mreg *metrics.Registry, cfg *config.Config) {
	sched := scanscheduler.New(cat, openDriver, pool.InUse)
	sched.TickInterval = cfg.ScanTickInterval
	sched.Metrics = mreg
	if err := sched.Run(ctx, cfg.ScanOnStart); err != nil {
		log.Printf("bonproxyd: scan scheduler: %v", err)
	}
}

// openDriver dispatches a catalog.Driver to the right driverapi.Variant by
// inspecting its path: an http(s) URL is DVB-over-HTTP, a /dev path is a
// character device, anything else is a vendor subprocess command line.
func openDriver(ctx context.Context, d catalog.Driver) (driverapi.Driver, error) {
	variant := driverapi.VariantSubprocess
	switch {
	case strings.HasPrefix(d.Path, "http://"), strings.HasPrefix(d.Path, "https://"):
		variant = driverapi.VariantDVBHTTP
	case strings.HasPrefix(d.Path, "/dev/"):
		variant = driverapi.VariantCharDevice
	}
	return driverapi.Open(ctx, variant, driverapi.Config{Path: d.Path, BaseURL: d.Path})
}
