package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stationuli/backend"
	"stationuli/config"
	"stationuli/events"
	"stationuli/logging"
	"stationuli/models"
	"stationuli/session"
	"stationuli/storage"
)

func main() {
	sendPath := flag.String("send", "", "send this file once discovery is running")
	sendTo := flag.String("to", "", "destination host:port for -send")
	flag.Parse()

	var target *endpoint
	if *sendPath != "" {
		parsed, err := parseEndpoint(*sendTo)
		if err != nil {
			log.Fatalf("invalid -to value: %v", err)
		}
		target = &parsed
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})
	if err != nil {
		logger.WithError(err).Warn("Invalid log level in config, using info")
	}
	mainLog := logging.Component(logger, "main")

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Listening Port:  %d\n", cfg.ListeningPort)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	dbPath := config.DatabasePath(dataDir)
	store, err := storage.OpenPath(dbPath)
	if err != nil {
		mainLog.WithError(err).Fatal("Startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			mainLog.WithError(err).Warn("Database close error")
		}
	}()
	store.SetHistoryRetention(cfg.HistoryRetention())
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Download Dir:    %s\n", cfg.DownloadDir)

	bus := events.NewBus()
	defer bus.Close()

	local, err := backend.New(backend.Options{
		DeviceID:        cfg.DeviceID,
		DeviceName:      cfg.DeviceName,
		DeviceType:      models.ParseDeviceKind(cfg.DeviceType),
		ReceiveDir:      cfg.DownloadDir,
		ExportDir:       config.ExportDir(dataDir),
		ConnectTimeout:  cfg.ConnectTimeout(),
		RefreshInterval: cfg.RefreshInterval(),
		MaxReceiveSize:  cfg.MaxReceiveBytes(),
		Store:           store,
		Bus:             bus,
		Picker:          pathPicker(*sendPath),
		Logger:          logrus.NewEntry(logger),
	})
	if err != nil {
		mainLog.WithError(err).Fatal("Startup failed while creating backend")
	}
	defer func() {
		if err := local.Close(); err != nil {
			mainLog.WithError(err).Warn("Backend close error")
		}
	}()

	if history, err := local.ReceivedHistory(context.Background(), 0); err != nil {
		mainLog.WithError(err).Warn("Read received history failed")
	} else {
		fmt.Printf("Received Files:  %d in history\n", len(history))
	}

	disc := session.NewDiscovery(local, session.DiscoveryOptions{
		Port:           cfg.ListeningPort,
		DebounceWindow: cfg.DebounceWindow(),
		StopTimeout:    cfg.StopTimeout(),
		Logger:         logging.Component(logger, "discovery-session"),
	})
	defer disc.Close()

	xfer := session.NewTransfer(local, bus, session.TransferOptions{
		GracePeriod: cfg.GracePeriod(),
		Logger:      logging.Component(logger, "transfer-session"),
	})
	defer xfer.Close()

	noticeLog := logging.Component(logger, "notice")
	disc.OnNotice(func(n models.Notice) { logNotice(noticeLog, n) })
	xfer.OnNotice(func(n models.Notice) { logNotice(noticeLog, n) })

	running := make(chan struct{}, 1)
	var (
		phaseMu   sync.Mutex
		lastPhase = session.PhaseIdle
	)
	disc.OnChange(func(state session.DiscoveryState) {
		phaseMu.Lock()
		changed := state.Phase != lastPhase
		lastPhase = state.Phase
		phaseMu.Unlock()
		if !changed {
			return
		}
		mainLog.WithFields(logrus.Fields{
			"phase":   state.Phase,
			"address": state.LocalAddress,
			"devices": len(state.Devices),
		}).Info("Discovery phase changed")
		if state.Phase == session.PhaseRunning {
			select {
			case running <- struct{}{}:
			default:
			}
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	disc.Start()
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	ticker := time.NewTicker(cfg.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Status:          shutting down")
			shutdownDiscovery(disc, cfg, mainLog)
			return
		case <-running:
			if target != nil {
				sendOnce(ctx, xfer, *target, mainLog)
				target = nil
			}
		case <-ticker.C:
			if disc.State().Phase != session.PhaseRunning {
				continue
			}
			if err := disc.RefreshDevices(ctx); err == nil {
				mainLog.WithField("devices", len(disc.State().Devices)).Debug("Devices refreshed")
			}
		}
	}
}

type endpoint struct {
	host string
	port int
}

func parseEndpoint(raw string) (endpoint, error) {
	host, portText, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return endpoint{}, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return endpoint{}, fmt.Errorf("port %q: %w", portText, err)
	}
	return endpoint{host: host, port: port}, nil
}

// pathPicker stands in for an interactive picker in the headless binary.
func pathPicker(path string) backend.PickerFunc {
	return func(context.Context) (session.Pick, bool, error) {
		if path == "" {
			return session.Pick{}, false, nil
		}
		return session.Pick{Path: path}, true, nil
	}
}

func sendOnce(ctx context.Context, xfer *session.Transfer, target endpoint, log *logrus.Entry) {
	if err := xfer.SelectFile(ctx); err != nil {
		log.WithError(err).Error("Select file failed")
		return
	}
	if err := xfer.SendFile(ctx, target.host, target.port, ""); err != nil {
		if errors.Is(err, session.ErrValidation) {
			log.WithError(err).Error("Invalid send target")
			return
		}
		log.WithError(err).Error("Send failed")
	}
}

// shutdownDiscovery stops the session and waits for idle, bounded by the
// debounce window plus the stop timeout.
func shutdownDiscovery(disc *session.Discovery, cfg *config.DeviceConfig, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DebounceWindow()+cfg.StopTimeout()+2*time.Second)
	defer cancel()
	if err := disc.StopAndWait(ctx); err != nil {
		log.WithError(err).Warn("Discovery did not stop cleanly")
	}
}

func logNotice(log *logrus.Entry, n models.Notice) {
	entry := log.WithField("notice_level", n.Level)
	switch n.Level {
	case models.NoticeError:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
}
