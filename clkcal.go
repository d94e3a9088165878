// Clock calibration against periodic reference beacons

package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/clkcal/base/floats"
	"example.com/clkcal/base/zaplog"

	"example.com/clkcal/core/clkcal"
	"example.com/clkcal/core/config"
	"example.com/clkcal/core/timescale"
)

const (
	maxResidualPS = 1_000_000_000
)

var (
	log *zap.Logger
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		// See https://github.com/scionproto/scion/blob/master/pkg/log/log.go
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
	zaplog.SetLogger(log)
}

func runMonitor(log *zap.Logger, addr string) {
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(addr, nil)
	log.Fatal("failed to serve metrics", zap.Error(err))
}

func loadConfig(configFile string) config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	return cfg
}

func parseBeacon(rec []string) (clkcal.Beacon, error) {
	seq, err := strconv.ParseUint(strings.TrimSpace(rec[0]), 0, 8)
	if err != nil {
		return clkcal.Beacon{}, err
	}
	ts, err := strconv.ParseUint(strings.TrimSpace(rec[1]), 0, 64)
	if err != nil {
		return clkcal.Beacon{}, err
	}
	return clkcal.Beacon{Seq: uint8(seq), Timestamp: ts}, nil
}

// readTrace reads beacons from CSV rows "seq,timestamp". Timestamps may be
// decimal or 0x prefixed hexadecimal; a header row is skipped.
func readTrace(r io.Reader) ([]clkcal.Beacon, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 2
	var bs []clkcal.Beacon
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return bs, nil
		}
		if err != nil {
			return nil, err
		}
		b, err := parseBeacon(rec)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bs = append(bs, b)
	}
}

type summary struct {
	hg       *hdrhistogram.Histogram
	robust   *clkcal.TheilSen
	skews    []float64
	received int
	valid    int
	last     clkcal.Record
}

func newSummary(ticksPerPeriod float64) *summary {
	return &summary{
		hg:     hdrhistogram.New(1, maxResidualPS, 3),
		robust: clkcal.NewTheilSen(ticksPerPeriod),
	}
}

func (s *summary) add(r clkcal.Record) {
	s.received++
	s.last = r
	if r.Interval != 0 {
		s.robust.Add(r.NT, r.Interval)
	}
	if !r.Status.Valid {
		return
	}
	s.valid++
	s.skews = append(s.skews, r.SkewPPM())
	v := int64(math.Round(math.Abs(r.Residual) * 1e12))
	err := s.hg.RecordValue(min(max(v, 1), maxResidualPS))
	if err != nil {
		log.Error("failed to record histogram value", zap.Error(err))
	}
}

func (s *summary) print(w io.Writer) {
	fmt.Fprintf(w, "beacons: %d, valid cycles: %d\n", s.received, s.valid)
	if s.valid == 0 {
		return
	}
	fmt.Fprintf(w, "skew: %.6f ppm (median %.6f ppm)\n", s.last.SkewPPM(), floats.Median(s.skews))
	if skew, ok := s.robust.Skew(); ok {
		fmt.Fprintf(w, "theil-sen skew: %.6f ppm\n", (skew-1)*1e6)
	}
	fmt.Fprintf(w, "residual (ps):\n")
	_, err := s.hg.PercentilesPrint(w, 1, 1.0)
	if err != nil {
		log.Error("failed to print histogram", zap.Error(err))
	}
}

func calibrate(cfg config.Config, bs []clkcal.Beacon) {
	if cfg.MetricsAddr != "" {
		go runMonitor(log, cfg.MetricsAddr)
	}
	ccfg := cfg.Calibrator()
	ccfg.Log = log
	ccfg.PostProcess = func(r clkcal.Record) {
		log.Info("ccp", zap.Object("record", r))
	}
	c, err := clkcal.New(ccfg)
	if err != nil {
		log.Fatal("failed to create calibrator", zap.Error(err))
	}
	defer c.Close()

	freq := cfg.CounterFrequency
	if freq == 0 {
		freq = timescale.DefaultCounterFrequency
	}
	s := newSummary(cfg.Period().Seconds() * freq)
	for _, b := range bs {
		s.add(c.Receive(b))
	}
	s.print(os.Stdout)
}

func runReplay(configFile, traceFile string) {
	cfg := loadConfig(configFile)
	f, err := os.Open(traceFile)
	if err != nil {
		log.Fatal("failed to open trace", zap.Error(err))
	}
	defer f.Close()
	bs, err := readTrace(f)
	if err != nil {
		log.Fatal("failed to read trace", zap.String("file", traceFile), zap.Error(err))
	}
	calibrate(cfg, bs)
}

func runSimulate(configFile string, sim clkcal.Simulation, n int) {
	cfg := loadConfig(configFile)
	sim.Period = cfg.Period()
	sim.CounterBits = cfg.CounterBits
	sim.CounterFrequency = cfg.CounterFrequency
	calibrate(cfg, sim.Beacons(n))
}

func exitWithUsage() {
	fmt.Println("<usage>")
	os.Exit(1)
}

func main() {
	var (
		verbose    bool
		configFile string
		traceFile  string
		sim        clkcal.Simulation
		n          int
	)

	replayFlags := flag.NewFlagSet("replay", flag.ExitOnError)
	simulateFlags := flag.NewFlagSet("simulate", flag.ExitOnError)

	replayFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	replayFlags.StringVar(&configFile, "config", "", "Config file")
	replayFlags.StringVar(&traceFile, "trace", "", "Beacon trace file")

	simulateFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	simulateFlags.StringVar(&configFile, "config", "", "Config file")
	simulateFlags.IntVar(&n, "n", 1000, "Number of beacons")
	simulateFlags.Float64Var(&sim.SkewPPM, "skew-ppm", 0, "Skew of the local counter in ppm")
	simulateFlags.Float64Var(&sim.Drift, "drift", 0, "Relative skew change per second")
	simulateFlags.Float64Var(&sim.JitterPS, "jitter-ps", 0, "Timestamp jitter in ps")
	simulateFlags.Float64Var(&sim.DropRate, "drop", 0, "Beacon loss probability")
	simulateFlags.Uint64Var(&sim.Offset, "offset", 0, "Initial counter value")
	simulateFlags.Int64Var(&sim.Seed, "seed", 1, "Random seed")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case replayFlags.Name():
		err := replayFlags.Parse(os.Args[2:])
		if err != nil || replayFlags.NArg() != 0 || traceFile == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runReplay(configFile, traceFile)
	case simulateFlags.Name():
		err := simulateFlags.Parse(os.Args[2:])
		if err != nil || simulateFlags.NArg() != 0 {
			exitWithUsage()
		}
		if n <= 0 || sim.DropRate < 0 || sim.DropRate >= 1 {
			exitWithUsage()
		}
		initLogger(verbose)
		runSimulate(configFile, sim, n)
	default:
		exitWithUsage()
	}
}
