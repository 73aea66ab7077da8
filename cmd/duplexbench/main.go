package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/linkdata/duplex"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	echoRoute   = 0x20
	benchOrigin = 0x10
	window      = 1 << 20
)

var (
	flagConfig  = flag.String("config", "", "YAML engine configuration file")
	flagStreams = flag.Int("streams", runtime.NumCPU()*4, "number of concurrent streams")
	flagRounds  = flag.Int("rounds", 1000, "messages echoed per stream")
	flagSize    = flag.Int("size", 4096, "message size in bytes")
	flagBudget  = flag.Int("budget", 0, "shared send budget in bytes for the client, zero for none")
	flagMetrics = flag.String("metrics", "", "serve prometheus metrics on this address")
	flagProfile = flag.Bool("profile", false, "write cpu profile to file")
	flagVerbose = flag.Bool("v", false, "log at debug level")
)

// metrics is a duplex.FrameStatsCollector reporting to prometheus.
type metrics struct {
	bytes  *prometheus.CounterVec
	frames *prometheus.CounterVec
	side   string
}

func newMetrics(reg prometheus.Registerer) (bytes, frames *prometheus.CounterVec) {
	bytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duplex",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Bytes moved over the transport",
		},
		[]string{"engine", "direction"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duplex",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames moved over the transport",
		},
		[]string{"engine", "direction"},
	)
	reg.MustRegister(bytes, frames)
	return
}

func (m *metrics) AddBytesWritten(n int64) {
	m.bytes.WithLabelValues(m.side, "tx").Add(float64(n))
}

func (m *metrics) AddBytesRead(n int64) {
	m.bytes.WithLabelValues(m.side, "rx").Add(float64(n))
}

func (m *metrics) AddFramesWritten(n int64) {
	m.frames.WithLabelValues(m.side, "tx").Add(float64(n))
}

func (m *metrics) AddFramesRead(n int64) {
	m.frames.WithLabelValues(m.side, "rx").Add(float64(n))
}

// echoHandler returns every message to the sender.
type echoHandler struct {
	budgetID uint64
}

func (eh echoHandler) HandleFrame(s *duplex.Stream, f *duplex.Frame) (err error) {
	switch f.Kind {
	case duplex.KindBegin:
		if err = s.SendBegin(f.TraceID, 0, 0, nil); err == nil {
			err = s.SendWindow(f.TraceID, eh.budgetID, window, 0)
		}
	case duplex.KindEnd:
		err = s.SendEnd(f.TraceID, nil)
	}
	return
}

func (eh echoHandler) HandleMessage(s *duplex.Stream, m *duplex.Message) (err error) {
	if err = s.WriteMessage(0, m.Bytes()); duplex.IsBackpressure(err) {
		err = nil
	}
	if err == nil {
		err = s.SendWindow(0, eh.budgetID, window, 0)
	}
	return
}

// benchStream sends rounds messages one at a time and waits for each echo.
type benchStream struct {
	payload []byte
	rounds  int
	sent    int
	started bool
	echoed  *int64
	done    chan error
}

func (bs *benchStream) send(s *duplex.Stream, traceID uint64) (err error) {
	bs.sent++
	if err = s.WriteMessage(traceID, bs.payload); duplex.IsBackpressure(err) {
		err = nil
	}
	return
}

func (bs *benchStream) HandleFrame(s *duplex.Stream, f *duplex.Frame) (err error) {
	switch f.Kind {
	case duplex.KindSignal:
		if f.SignalID == duplex.SignalOpen {
			err = s.SendBegin(f.TraceID, 0, 0, nil)
		}
	case duplex.KindBegin:
		err = s.SendWindow(f.TraceID, 0, window, 0)
	case duplex.KindWindow:
		if !bs.started {
			bs.started = true
			err = bs.send(s, f.TraceID)
		}
	case duplex.KindAbort, duplex.KindReset:
		code, _ := duplex.ParseDiagnostic(f.Extension)
		err = errors.Errorf("%s from peer: %s", f.Kind, code)
	}
	return
}

func (bs *benchStream) HandleMessage(s *duplex.Stream, m *duplex.Message) (err error) {
	if m.Len() != len(bs.payload) {
		return errors.Errorf("echo of %d bytes, expected %d", m.Len(), len(bs.payload))
	}
	atomic.AddInt64(bs.echoed, 1)
	if err = s.SendWindow(0, 0, window, 0); err == nil {
		if bs.sent < bs.rounds {
			err = bs.send(s, 0)
		} else {
			err = s.SendEnd(0, nil)
		}
	}
	return
}

func (bs *benchStream) OnClosed(s *duplex.Stream) {
	var err error
	if bs.sent < bs.rounds || !s.IsClosed() {
		err = errors.Errorf("%s closed after %d of %d rounds", s, bs.sent, bs.rounds)
	}
	bs.done <- err
}

func loadConfig(log zerolog.Logger) (cfg duplex.Config, err error) {
	cfg = duplex.DefaultConfig()
	if *flagConfig != "" {
		cfg, err = duplex.LoadConfig(*flagConfig)
	}
	cfg.Logger = log
	return
}

func run(log zerolog.Logger) (err error) {
	if *flagSize < 0 || *flagSize > window {
		return errors.Errorf("size %d outside [0, %d]", *flagSize, window)
	}

	var clientCfg, serverCfg duplex.Config
	if clientCfg, err = loadConfig(log.With().Str("side", "client").Logger()); err != nil {
		return
	}
	if serverCfg, err = loadConfig(log.With().Str("side", "server").Logger()); err != nil {
		return
	}
	clientCfg.Initiator = true
	serverCfg.Initiator = false

	reg := prometheus.NewRegistry()
	bytes, frames := newMetrics(reg)
	clientCfg.StatsCollector = &metrics{bytes: bytes, frames: frames, side: "client"}
	serverCfg.StatsCollector = &metrics{bytes: bytes, frames: frames, side: "server"}

	var budgetID uint64
	if *flagBudget > 0 {
		budgetID = 1
		clientCfg.Budgets = duplex.NewDebitor(log)
		if err = clientCfg.Budgets.Supply(0, budgetID, int64(*flagBudget)); err != nil {
			return
		}
	}

	a, b := net.Pipe()
	var client, server *duplex.Engine
	if client, err = duplex.NewEngine(a, clientCfg); err != nil {
		return
	}
	if server, err = duplex.NewEngine(b, serverCfg); err != nil {
		return
	}
	server.Route(echoRoute, duplex.BindingFunc(func(s *duplex.Stream, begin *duplex.Frame) (duplex.Handler, error) {
		return echoHandler{budgetID: budgetID}, nil
	}))

	if *flagMetrics != "" {
		hs := &http.Server{Addr: *flagMetrics, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		defer hs.Close()
		go func() {
			if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engines, _ := errgroup.WithContext(ctx)
	engines.Go(func() error { return client.Serve(ctx) })
	engines.Go(func() error { return server.Serve(ctx) })

	var echoed int64
	payload := make([]byte, *flagSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	streams := errgroup.Group{}
	for i := 0; i < *flagStreams; i++ {
		bs := &benchStream{payload: payload, rounds: *flagRounds, echoed: &echoed, done: make(chan error, 1)}
		if _, err = client.Open(benchOrigin, echoRoute, bs); err != nil {
			break
		}
		streams.Go(func() error {
			select {
			case err := <-bs.done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if werr := streams.Wait(); err == nil {
		err = werr
	}
	elapsed := time.Since(start)

	sctx, scancel := context.WithTimeout(ctx, clientCfg.ReadTimeout)
	defer scancel()
	if serr := client.Shutdown(sctx); err == nil {
		err = serr
	}
	if serr := server.Shutdown(sctx); err == nil {
		err = serr
	}
	if gerr := engines.Wait(); err == nil {
		err = gerr
	}

	n := atomic.LoadInt64(&echoed)
	mib := float64(n) * float64(*flagSize) / float64(1<<20)
	fmt.Printf("%d streams, %d echoes of %d bytes in %v: %.0f echoes/s, %.1f MiB/s\n",
		*flagStreams, n, *flagSize, elapsed.Round(time.Millisecond),
		float64(n)/elapsed.Seconds(), mib/elapsed.Seconds())
	return
}

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if *flagVerbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if *flagProfile {
		defer profile.Start().Stop()
	}

	if err := run(log); err != nil {
		log.Error().Err(err).Msg("duplexbench")
		os.Exit(1)
	}
}
