// Command statsserver exposes a running allocator's internal/statslog
// snapshot over HTTP/2: /stats as indented JSON, /stats.zst as the
// zstd-compressed form, for log-shipping and ad hoc inspection alike.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/abiolaogu/smalloc/internal/statslog"
	"github.com/abiolaogu/smalloc/internal/threadcache"
	"github.com/abiolaogu/smalloc/pkg/smalloc"
)

func main() {
	addr := flag.String("addr", ":8443", "address to serve stats on")
	buckets := flag.Int("buckets", 32, "number of active size classes")
	subSlabKB := flag.Int("sub-slab-kb", 256, "sub-slab size per bucket, in KiB")
	certFile := flag.String("cert", "", "TLS certificate file (required: HTTP/2 needs TLS)")
	keyFile := flag.String("key", "", "TLS private key file")
	flag.Parse()

	if *certFile == "" || *keyFile == "" {
		log.Fatal("statsserver: -cert and -key are required")
	}

	a, err := smalloc.Create(smalloc.Config{
		Buckets:       *buckets,
		SubSlabBytes:  uintptr(*subSlabKB) * 1024,
		Scheme:        smalloc.SchemePiecewiseLinear,
		EnableMetrics: true,
	})
	if err != nil {
		log.Fatalf("smalloc.Create: %v", err)
	}
	defer a.Destroy()

	a.CreateThreadCache(threadcache.Warm, []int{64, 64, 32, 32, 16})
	defer a.DestroyThreadCache()

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		serveStats(w, a, false)
	})
	mux.HandleFunc("/stats.zst", func(w http.ResponseWriter, r *http.Request) {
		serveStats(w, a, true)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		TLSConfig:    &tls.Config{NextProtos: []string{"h2"}},
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		log.Fatalf("http2.ConfigureServer: %v", err)
	}

	log.Printf("smalloc statsserver listening on %s", *addr)
	log.Printf("  GET /stats      — JSON snapshot")
	log.Printf("  GET /stats.zst  — zstd-compressed JSON snapshot")
	if err := srv.ListenAndServeTLS(*certFile, *keyFile); err != nil && err != http.ErrServerClosed {
		log.Fatalf("ListenAndServeTLS: %v", err)
	}
}

func serveStats(w http.ResponseWriter, a *smalloc.Allocator, compressed bool) {
	snap := statslog.FromAllocator(a)

	if compressed {
		body, err := statslog.EncodeCompressed(snap)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/zstd")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	body, err := statslog.Encode(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
