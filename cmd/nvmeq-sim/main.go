// Command nvmeq-sim runs an I/O workload against an NVMe controller and
// serves session introspection over HTTP. By default it drives the built-in
// software controller model; with -bdf it opens a real PCIe controller
// through the sysfs BAR transport instead.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/dmaclab/nvmeq"
	"github.com/dmaclab/nvmeq/internal/logging"
)

func main() {
	var (
		sizeStr  = flag.String("size", "64M", "Size of the simulated namespace (e.g., 64M, 1G)")
		bdf      = flag.String("bdf", "", "PCI address of a real controller (e.g., 0000:01:00.0); empty runs the software model")
		pairs    = flag.Int("pairs", 2, "I/O queue pairs to create")
		depth    = flag.Int("depth", 128, "I/O queue depth")
		workers  = flag.Int("workers", 4, "Workload goroutines")
		duration = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
		listen   = flag.String("listen", ":9521", "HTTP listen address for /info, /queues, /registers, /metrics (empty disables)")
		poll     = flag.Bool("poller", false, "Drain completions with a background poller instead of the waiters")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *pairs < 1 {
		*pairs = 1
	}
	if *workers < 1 {
		*workers = 1
	}

	size, err := parseSize(*sizeStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid size %q: %v\n", *sizeStr, err)
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	logConfig.NoColor = !term.IsTerminal(int(os.Stderr.Fd()))
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	metrics := nvmeq.NewMetrics()
	registry := prometheus.NewRegistry()
	promObs, err := nvmeq.NewPrometheusObserver(registry)
	if err != nil {
		logger.Error("prometheus registration failed", "error", err)
		os.Exit(1)
	}

	params := nvmeq.DefaultParams()
	params.Name = "nvmeq-sim"
	params.IOQueueDepth = uint16(*depth)
	params.QueuePairs = *pairs
	params.UsePoller = *poll
	params.Observer = teeObserver{nvmeq.NewMetricsObserver(metrics), promObs}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := open(ctx, *bdf, size, params)
	if err != nil {
		logger.Error("failed to open controller", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("error closing controller", "error", err)
		}
	}()

	info := c.Info()
	logger.Info("controller open",
		"model", info.Model,
		"serial", info.Serial,
		"version", info.Version,
		"queue_pairs", info.QueuePairs,
		"max_transfer", info.MaxTransfer)

	ns, err := c.Namespace(ctx, 1)
	if err != nil {
		logger.Error("namespace 1 not usable", "error", err)
		os.Exit(1)
	}

	qps := make([]*nvmeq.Qpair, 0, *pairs)
	for i := 0; i < *pairs; i++ {
		qp, err := c.CreateQueuePair(ctx, uint16(*depth))
		if err != nil {
			logger.Error("failed to create queue pair", "error", err)
			os.Exit(1)
		}
		qps = append(qps, qp)
	}

	if *duration > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, *duration)
		defer tcancel()
	}

	g, gctx := errgroup.WithContext(ctx)

	var server *http.Server
	if *listen != "" {
		server = newServer(*listen, c, metrics, registry)
		g.Go(func() error {
			logger.Info("http listening", "addr", *listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	for i := 0; i < *workers; i++ {
		qp := qps[i%len(qps)]
		seed := int64(i + 1)
		g.Go(func() error { return workload(gctx, ns, qp, seed) })
	}

	// Shut the HTTP server down once the workload context ends.
	g.Go(func() error {
		<-gctx.Done()
		if server != nil {
			shutdownCtx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			server.Shutdown(shutdownCtx)
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
		cancel()
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("workload failed", "error", err)
	}

	metrics.Stop()
	snap := metrics.Snapshot()
	logger.Info("workload finished",
		"reads", snap.ReadOps,
		"writes", snap.WriteOps,
		"read_bw", formatSize(int64(snap.ReadBandwidth))+"/s",
		"write_bw", formatSize(int64(snap.WriteBandwidth))+"/s",
		"p50_us", snap.LatencyP50Ns/1000,
		"p99_us", snap.LatencyP99Ns/1000,
		"errors", fmt.Sprintf("%.2f%%", snap.ErrorRate))
}

// open builds the session: against the software model by default, against a
// real controller when a PCI address is given.
func open(ctx context.Context, bdf string, size int64, params nvmeq.Params) (*nvmeq.Controller, error) {
	if bdf == "" {
		cfg := nvmeq.SimConfig{
			SerialNumber: "NVMEQSIM01",
			ModelNumber:  "nvmeq software model",
			FirmwareRev:  "1.0",
			Namespaces: []nvmeq.SimNamespace{
				{ID: 1, Blocks: uint64(size) / nvmeq.SimLbaSize},
			},
		}
		c, _, err := nvmeq.OpenSim(ctx, cfg, params)
		return c, err
	}

	bar, err := nvmeq.OpenSysfsBar(bdf)
	if err != nil {
		return nil, err
	}
	mem, err := nvmeq.NewAnonMemory()
	if err != nil {
		bar.Close()
		return nil, err
	}
	return nvmeq.Open(ctx, bar, mem, params)
}

// workload issues random single-command reads and writes, one outstanding
// per goroutine, until the context ends.
func workload(ctx context.Context, ns *nvmeq.Namespace, qp *nvmeq.Qpair, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	buf := make([]byte, int(8*ns.LbaSize()))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		nlb := uint64(1 + rng.Intn(8))
		slba := uint64(rng.Int63n(int64(ns.Blocks() - nlb + 1)))
		p := buf[:nlb*ns.LbaSize()]
		var err error
		if rng.Intn(2) == 0 {
			rng.Read(p)
			err = ns.WriteAt(ctx, qp, p, slba)
		} else {
			err = ns.ReadAt(ctx, qp, p, slba)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// teeObserver fans completion observations out to several observers.
type teeObserver []nvmeq.Observer

func (t teeObserver) ObserveAdmin(opcode uint8, latencyNs uint64, ok bool) {
	for _, o := range t {
		o.ObserveAdmin(opcode, latencyNs, ok)
	}
}

func (t teeObserver) ObserveRead(bytes uint64, latencyNs uint64, ok bool) {
	for _, o := range t {
		o.ObserveRead(bytes, latencyNs, ok)
	}
}

func (t teeObserver) ObserveWrite(bytes uint64, latencyNs uint64, ok bool) {
	for _, o := range t {
		o.ObserveWrite(bytes, latencyNs, ok)
	}
}

func (t teeObserver) ObserveFlush(latencyNs uint64, ok bool) {
	for _, o := range t {
		o.ObserveFlush(latencyNs, ok)
	}
}

func (t teeObserver) ObserveOther(opcode uint8, latencyNs uint64, ok bool) {
	for _, o := range t {
		o.ObserveOther(opcode, latencyNs, ok)
	}
}

func (t teeObserver) ObserveAborted(qid uint16, count int) {
	for _, o := range t {
		o.ObserveAborted(qid, count)
	}
}

// newServer wires the introspection endpoints.
func newServer(addr string, c *nvmeq.Controller, m *nvmeq.Metrics, reg *prometheus.Registry) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, c.Info())
	}).Methods(http.MethodGet)
	r.HandleFunc("/queues", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, c.Queues())
	}).Methods(http.MethodGet)
	r.HandleFunc("/registers", func(w http.ResponseWriter, _ *http.Request) {
		snap := c.Registers()
		writeJSON(w, map[string]string{
			"CAP":  fmt.Sprintf("%#016x", uint64(snap.Cap)),
			"VS":   snap.VS.String(),
			"CC":   fmt.Sprintf("%#08x", uint32(snap.CC)),
			"CSTS": fmt.Sprintf("%#08x", uint32(snap.CSTS)),
			"AQA":  fmt.Sprintf("%#08x", uint32(snap.AQA)),
			"ASQ":  fmt.Sprintf("%#016x", snap.ASQ),
			"ACQ":  fmt.Sprintf("%#016x", snap.ACQ),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, m.Snapshot())
	}).Methods(http.MethodGet)
	return &http.Server{Addr: addr, Handler: r}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
