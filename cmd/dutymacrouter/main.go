// Command dutymacrouter runs the duty-cycled router MAC controller
// against a radio device, either a real MCU over serial or an
// in-process simulated device for local testing.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/alecthomas/kingpin.v2"

	"net/http"

	"github.com/hamilton-mote/dutymac/config"
	"github.com/hamilton-mote/dutymac/framebuf"
	"github.com/hamilton-mote/dutymac/mac"
	"github.com/hamilton-mote/dutymac/metrics"
	"github.com/hamilton-mote/dutymac/netdev"
	"github.com/hamilton-mote/dutymac/netdev/npiserial"
	"github.com/hamilton-mote/dutymac/netdev/simnet"
	"github.com/hamilton-mote/dutymac/ppq"
	"github.com/hamilton-mote/dutymac/updispatch"
)

var (
	configPath = kingpin.Flag("config", "Path to YAML configuration file").String()
	serialPath = kingpin.Flag("device", "Path to the radio's serial port").String()
	baudRate   = kingpin.Flag("baud", "Serial port baud rate").Uint()
	simulate   = kingpin.Flag("simulate", "Run against an in-process simulated radio instead of a real one").Bool()
	metricsAddr = kingpin.Flag("metrics-addr", "Address to serve Prometheus metrics on").Default(":9110").String()
)

func main() {
	kingpin.Version("0.1")
	kingpin.Parse()

	logger := log.Default()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal("loading config", "err", err)
		}
		cfg = loaded
	}
	if *serialPath != "" {
		cfg.Serial.Path = *serialPath
	}
	if *baudRate != 0 {
		cfg.Serial.Baud = *baudRate
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Info("serving metrics", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	var dev netdev.Device
	if *simulate {
		logger.Info("running against a simulated radio")
		dev = simnet.New()
	} else {
		if cfg.Serial.Path == "" {
			logger.Fatal("--device is required unless --simulate is set")
		}
		phy, err := npiserial.Open(cfg.Serial.Path, cfg.Serial.Baud)
		if err != nil {
			logger.Fatal("opening serial port", "path", cfg.Serial.Path, "err", err)
		}
		dev = npiserial.New(phy)
	}

	mode := ppq.ImmediateBroadcast
	if cfg.BroadcastQueueing {
		mode = ppq.BroadcastQueueing
	}

	dispatch := updispatch.NewRegistry()
	dispatch.RegisterAll(updispatch.HandlerFunc(func(fr updispatch.Frame) bool {
		logger.Debug("received frame", "type", fr.Type, "src", fr.SrcAddr, "rssi", fr.RSSI, "len", len(fr.Payload))
		return true
	}))

	pool := &framebuf.Pool{}
	ctl := mac.New(mac.Config{
		QueueSize:         cfg.QueueSize,
		NeighborTableSize: cfg.NeighborTableSize,
		SleepInterval:     time.Duration(cfg.SleepInterval),
		Mode:              mode,
		MaxPDU:            cfg.MaxPDU,
	}, dev, dispatch, pool, rec, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := dev.Init(ctx); err != nil {
		logger.Fatal("initializing radio device", "err", err)
	}

	logger.Info("dutymacrouter running", "queue_size", cfg.QueueSize, "neighbor_table_size", cfg.NeighborTableSize)
	ctl.Run(ctx)
	logger.Info("dutymacrouter shutting down")
}
