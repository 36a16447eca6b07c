package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/eddielth/airmesh/config"
	"github.com/eddielth/airmesh/httpapi"
	"github.com/eddielth/airmesh/logger"
	"github.com/eddielth/airmesh/mesh"
	"github.com/eddielth/airmesh/metrics"
	"github.com/eddielth/airmesh/mqtt"
	"github.com/eddielth/airmesh/pms"
	"github.com/eddielth/airmesh/readings"
	"github.com/eddielth/airmesh/storage"
	"github.com/eddielth/airmesh/transformer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, cfg); err != nil {
		logger.Error("%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func resolveNodeID(cfg config.NodeConfig) (readings.NodeID, error) {
	if cfg.ID != "" {
		return readings.ParseNodeID(cfg.ID)
	}
	return mesh.NodeIDFromInterface(cfg.Interface)
}

func initStorage(cfg config.StorageConfig) (*storage.Manager, error) {
	var backends []storage.StorageBackend

	if cfg.File.Enabled {
		fs, err := storage.NewFileStorage(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		backends = append(backends, fs)
	}

	if cfg.Database.Enabled {
		db, err := storage.NewDatabaseStorage(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			for _, b := range backends {
				b.Close()
			}
			return nil, err
		}
		backends = append(backends, db)
	}

	return storage.NewManager(backends), nil
}

func run(ctx context.Context, configPath string, cfg *config.Config) error {
	localID, err := resolveNodeID(cfg.Node)
	if err != nil {
		return err
	}
	logger.Info("Starting node %s", localID)

	store := readings.NewStore(localID, cfg.Exchange.StoreOptions())

	calibrator, err := transformer.NewCalibrator(cfg.Calibration)
	if err != nil {
		return err
	}

	storageManager, err := initStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer storageManager.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	port, err := pms.OpenSerial(cfg.Serial.Port, cfg.Serial.BaudRate)
	if err != nil {
		return err
	}
	defer port.Close()
	scanner := pms.NewScanner(port, pms.Decoder{SkipChecksum: cfg.Serial.SkipChecksum})

	nodeCfg := mesh.Config{
		Store:         store,
		Frames:        scanner,
		Calibrator:    calibrator,
		Metrics:       m,
		Interval:      cfg.Exchange.Interval,
		InboundBuffer: cfg.Exchange.InboundBuffer,
	}
	if storageManager.Len() > 0 {
		nodeCfg.Recorder = storageManager
	}

	// the transport needs the node's handler and the node needs the transport
	var node *mesh.Node
	client, err := mqtt.NewClient(cfg.MQTT, localID, func(from readings.NodeID, payload []byte) {
		node.HandleMessage(from, payload)
	})
	if err != nil {
		return err
	}
	nodeCfg.Transport = client

	node, err = mesh.NewNode(nodeCfg)
	if err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()
	if err := client.Subscribe(); err != nil {
		return err
	}

	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(cfg.HTTP.Listen, store, reg)
		if err := api.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := api.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP API shutdown: %v", err)
			}
		}()
	}

	err = config.WatchConfig(configPath, func(newCfg *config.Config) error {
		return applyConfig(newCfg, store, calibrator)
	})
	if err != nil {
		logger.Warn("Failed to watch config file: %v", err)
	} else {
		logger.Info("Watching config file for changes")
	}

	return node.Run(ctx)
}

// applyConfig hot-reloads the settings that can change without a restart
func applyConfig(cfg *config.Config, store *readings.Store, calibrator *transformer.Calibrator) error {
	if err := logger.SetLevel(cfg.Logger.Level); err != nil {
		return err
	}

	store.Configure(cfg.Exchange.StoreOptions())

	if err := calibrator.Reload(cfg.Calibration); err != nil {
		return err
	}

	logger.Info("Serial, MQTT, storage and HTTP changes take effect after a restart")
	return nil
}
