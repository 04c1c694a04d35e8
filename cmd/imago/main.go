package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/caarlos0/env/v11"
	"github.com/davidbyttow/govips/v2/vips"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelcache/imago/pkg/imago"
)

func main() {
	log.Info("Starting imago image loading daemon...")

	config := env.Must(env.ParseAs[imago.CacheConfig]())
	config.Print()

	vips.Startup(&vips.Config{
		ConcurrencyLevel: 0,
		MaxCacheMem:      2048,
		MaxCacheSize:     5000,
		MaxCacheFiles:    0,
	})
	vips.LoggingSettings(nil, vips.LogLevelWarning)
	defer vips.Shutdown()

	registry := prometheus.NewRegistry()

	// Each component registers the same metric names, so each gets its own
	// "component" label to keep the shared registry free of duplicates.
	cache, err := imago.NewCacheWithRegistry(&config, nil, prometheus.WrapRegistererWith(prometheus.Labels{"component": "cache"}, registry))
	if err != nil {
		log.Fatal(err)
	}
	downloader := imago.NewDownloaderWithRegistry(imago.DownloaderConfig{
		MaxConcurrentDownloads: config.MaxConcurrentDownloads,
		RequestTimeout:         config.RequestTimeout,
	}, prometheus.WrapRegistererWith(prometheus.Labels{"component": "downloader"}, registry))
	manager := imago.NewManagerWithRegistry(cache, downloader, prometheus.WrapRegistererWith(prometheus.Labels{"component": "manager"}, registry))
	defer manager.Close()

	go func() {
		ticker := time.NewTicker(config.CleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			cache.Expire()
		}
	}()

	addr := flag.String("addr", ":8080", "address to listen on")
	flag.Parse()

	mux := http.NewServeMux()
	mux.Handle("/image", imageHandler(manager))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		log.Info("imago listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// imageHandler serves a single query parameter ("url") by routing it
// through the Manager's Load and blocking the request until the terminal
// callback fires.
func imageHandler(manager *imago.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawURL := r.URL.Query().Get("url")
		if rawURL == "" {
			http.Error(w, "missing url parameter", http.StatusBadRequest)
			return
		}

		type result struct {
			format imago.Format
			data   []byte
			err    error
		}
		done := make(chan result, 1)

		handle := manager.Load(r.Context(), rawURL, imago.ManagerHighPriority, nil, func(img *imago.DecodedImage, data []byte, source imago.Source, err error) {
			if err != nil {
				done <- result{err: err}
				return
			}
			if data == nil && img != nil {
				encoded, encErr := img.Encode(img.Format, 85)
				if encErr != nil {
					done <- result{err: encErr}
					return
				}
				data = encoded
			}
			done <- result{format: img.Format, data: data}
		})
		defer func() {
			if handle != nil {
				handle.Cancel()
			}
		}()

		select {
		case res := <-done:
			if res.err != nil {
				log.Error("load %s: %v", rawURL, res.err)
				http.Error(w, res.err.Error(), http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", res.format.ContentType())
			w.Write(res.data)
		case <-r.Context().Done():
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		}
	})
}
