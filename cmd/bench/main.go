// Command bench drives a concurrent allocate/write/verify/free workload
// against a pkg/smalloc.Allocator and periodically logs an
// internal/statslog snapshot, to exercise the allocator the way a real
// caller's hot path would rather than through unit tests alone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/abiolaogu/smalloc/internal/statslog"
	"github.com/abiolaogu/smalloc/internal/threadcache"
	"github.com/abiolaogu/smalloc/pkg/smalloc"
)

func main() {
	scheme := flag.String("scheme", "piecewise", "size-class scheme: linear, piecewise, floating")
	buckets := flag.Int("buckets", 32, "number of active size classes")
	subSlabKB := flag.Int("sub-slab-kb", 256, "sub-slab size per bucket, in KiB")
	workers := flag.Int("workers", runtime.NumCPU(), "number of concurrent worker goroutines")
	duration := flag.Duration("duration", 10*time.Second, "how long to run the workload")
	logEvery := flag.Duration("log-every", 2*time.Second, "statslog snapshot interval")
	jaegerEndpoint := flag.String("jaeger-endpoint", "", "Jaeger collector endpoint; empty disables tracing")
	flag.Parse()

	runtime.GOMAXPROCS(runtime.NumCPU())

	cfg := smalloc.Config{
		Buckets:        *buckets,
		SubSlabBytes:   uintptr(*subSlabKB) * 1024,
		Scheme:         schemeKind(*scheme),
		EnableMetrics:  true,
		JaegerEndpoint: *jaegerEndpoint,
	}

	a, err := smalloc.Create(cfg)
	if err != nil {
		log.Fatalf("smalloc.Create: %v", err)
	}
	defer a.Destroy()

	fmt.Printf("smalloc bench: scheme=%s buckets=%d sub_slab=%dKiB workers=%d duration=%s\n",
		*scheme, *buckets, *subSlabKB, *workers, *duration)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var totalOps atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(ctx, a, id, &totalOps)
		}(i)
	}

	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		ticker := time.NewTicker(*logEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logSnapshot(a)
			}
		}
	}()

	wg.Wait()
	<-logDone

	logSnapshot(a)
	fmt.Printf("total operations: %d\n", totalOps.Load())
}

// runWorker repeatedly allocates a randomly sized block, writes a
// recognizable pattern into it, verifies the pattern survived, and frees
// it, per spec.md section 8's allocate/write/verify/free property. Each
// worker keeps its own thread cache for the duration of the run.
func runWorker(ctx context.Context, a *smalloc.Allocator, id int, totalOps *atomic.Uint64) {
	a.CreateThreadCache(threadcache.Warm, []int{64, 64, 32, 32, 16})
	defer a.DestroyThreadCache()

	rnd := rand.New(rand.NewSource(int64(id) + 1))
	live := make([]unsafeBlock, 0, 256)

	for {
		select {
		case <-ctx.Done():
			for _, b := range live {
				a.Free(b.ptr)
			}
			return
		default:
		}

		if len(live) < 256 && (len(live) == 0 || rnd.Intn(2) == 0) {
			n := uintptr(1 + rnd.Intn(4096))
			p := a.Allocate(n, 16)
			if p != nil {
				fill(p, n, byte(id))
				live = append(live, unsafeBlock{ptr: p, size: n, tag: byte(id)})
			}
		} else if len(live) > 0 {
			idx := rnd.Intn(len(live))
			b := live[idx]
			if !verify(b.ptr, b.size, b.tag) {
				log.Fatalf("worker %d: data corruption detected in live block", id)
			}
			a.Free(b.ptr)
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}

		totalOps.Add(1)
	}
}

type unsafeBlock struct {
	ptr  unsafe.Pointer
	size uintptr
	tag  byte
}

// fill stamps every byte of the block at p with tag, so a later verify call
// can detect cross-talk between concurrently live allocations.
func fill(p unsafe.Pointer, size uintptr, tag byte) {
	buf := unsafe.Slice((*byte)(p), size)
	for i := range buf {
		buf[i] = tag
	}
}

// verify reports whether every byte of the block at p still holds tag.
func verify(p unsafe.Pointer, size uintptr, tag byte) bool {
	buf := unsafe.Slice((*byte)(p), size)
	for _, b := range buf {
		if b != tag {
			return false
		}
	}
	return true
}

func logSnapshot(a *smalloc.Allocator) {
	snap := statslog.FromAllocator(a)
	encoded, err := statslog.Encode(snap)
	if err != nil {
		log.Printf("statslog.Encode: %v", err)
		return
	}
	fmt.Println(string(encoded))
}

func schemeKind(s string) smalloc.SchemeKind {
	switch s {
	case "linear":
		return smalloc.SchemeLinear
	case "floating":
		return smalloc.SchemeFloating
	default:
		return smalloc.SchemePiecewiseLinear
	}
}
