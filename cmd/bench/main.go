// Command bench runs a synthetic workload against the cache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cachelab/blockcache/cache"
	"github.com/cachelab/blockcache/internal/util"
	pmet "github.com/cachelab/blockcache/metrics/prom"
	"github.com/cachelab/blockcache/secondary/memsec"
)

func main() {
	// ---- Flags ----
	var (
		capacity  = flag.Int64("cap", 100_000, "cache capacity (charge units)")
		shardBits = flag.Int("shard_bits", -1, "shard bits (-1 = auto)")
		hiMode    = flag.Int("hot_mode", 50, "hot-index mode [0..100]; 0 disables, 100 forces")
		flushMode = flag.Int("flush_mode", 30, "hot-index flush percentile [0..100]")
		hiBits    = flag.Int("hot_bits", 8, "hot-index size exponent")
		interval  = flag.Int64("interval", 2048, "primary hits between controller recomputes")
		secondary = flag.Int64("secondary", 0, "secondary tier budget in bytes (0 = disabled)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int64("preload", 0, "preload entries (0 = cap/2)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
		verbose     = flag.Bool("v", false, "log controller transitions")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "blockcache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	var logger *zap.Logger
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatal(err)
		}
		logger = l
		defer func() { _ = l.Sync() }()
	}

	// ---- Build cache ----
	opt := cache.Options{
		Capacity:         *capacity,
		ShardBits:        *shardBits,
		HotIndexMode:     *hiMode,
		FlushMode:        *flushMode,
		HotIndexBits:     *hiBits,
		AdaptiveInterval: *interval,
		Metrics:          metrics,
		Logger:           logger,
	}
	var helper *cache.ItemHelper
	if *secondary > 0 {
		tier, err := memsec.New(memsec.Options{Capacity: *secondary})
		if err != nil {
			log.Fatal(err)
		}
		opt.Secondary = tier
		helper = &cache.ItemHelper{
			SaveTo: func(_ []byte, value any) ([]byte, error) { return []byte(value.(string)), nil },
			Delete: func([]byte, any) {},
		}
	}
	createCB := func(buf []byte) (any, int64, error) { return string(buf), int64(len(buf)), nil }

	c, err := cache.New(opt)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	// ---- Preload half capacity to get a realistic hit-rate ----
	pl := *preload
	if pl == 0 {
		pl = *capacity / 2
	}
	for i := int64(0); i < pl; i++ {
		k := []byte("k:" + strconv.FormatInt(i, 10))
		if helper != nil {
			_, _, _ = c.InsertWithHelper(k, util.HashKey(k), "v", 1, helper, cache.PriorityLow, false)
		} else {
			_, _ = c.Insert(k, util.HashKey(k), "v", 1, nil, cache.PriorityLow)
		}
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, total uint64
	stop := make(chan struct{})
	time.AfterFunc(*duration, func() { close(stop) })

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() []byte {
				return []byte("k:" + strconv.FormatUint(localZipf.Uint64(), 10))
			}

			for {
				select {
				case <-stop:
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				k := keyByZipf()
				h := util.HashKey(k)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					var e *cache.Handle
					if helper != nil {
						e = c.LookupFull(k, h, helper, createCB, cache.PriorityLow, true)
					} else {
						e = c.Lookup(k, h)
					}
					if e != nil {
						atomic.AddUint64(&hits, 1)
						c.Release(e, false)
					} else {
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					if helper != nil {
						_, _, _ = c.InsertWithHelper(k, h, "v"+strconv.Itoa(localR.Int()), 1, helper, cache.PriorityLow, false)
					} else {
						_, _ = c.Insert(k, h, "v"+strconv.Itoa(localR.Int()), 1, nil, cache.PriorityLow)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("cap=%d hot_mode=%d flush_mode=%d workers=%d keys=%d dur=%v seed=%d\n",
		*capacity, *hiMode, *flushMode, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)
	fmt.Printf("usage=%d pinned=%d\n", c.GetUsage(), c.GetPinnedUsage())
}
