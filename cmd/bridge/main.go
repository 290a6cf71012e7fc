package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eviqo/eviqo-mqtt-bridge/internal/bridge"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/config"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/discovery"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/mqttclient"
	"github.com/eviqo/eviqo-mqtt-bridge/internal/session"
)

const (
	version  = "0.1.0"
	clientID = "eviqo-mqtt-bridge"
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print the version and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	removeDiscovery := flag.Bool("remove-discovery", false, "publish empty retained payloads to every discovery topic and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(clientID, version)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, clientID+":", err)
		return 1
	}
	cfg.ApplyCLIFlags(*debug, *removeDiscovery)

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, clientID+": build logger:", err)
		return 1
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mqttClient := mqttclient.New(mqttclient.Config{
		URL:       cfg.MQTTURL,
		ClientID:  clientID,
		KeepAlive: 30 * time.Second,
	}, log)
	if err := mqttClient.Connect(ctx); err != nil {
		log.Error("connect to mqtt broker", zap.Error(err))
		return 1
	}
	defer mqttClient.Disconnect(context.Background())

	if cfg.RemoveDiscovery {
		if err := removeAllDiscovery(ctx, cfg, mqttClient, log); err != nil {
			log.Error("remove discovery documents", zap.Error(err))
			return 1
		}
		return 0
	}

	br := bridge.New(cfg, log, mqttClient, nil)
	newSession := func() *session.Session {
		return session.New(cfg.Email, cfg.Password, nil, session.Callbacks{
			OnWidgetUpdate: br.HandleWidgetUpdate,
			OnCommandSent:  br.HandleCommandSent,
			OnStateChange:  br.HandleSessionStateChange,
		}, log)
	}

	if err := br.RunSupervised(ctx, newSession); err != nil {
		log.Error("eviqo-mqtt-bridge: fatal error, exiting", zap.Error(err))
		br.MarkOffline(context.Background())
		return 1
	}

	br.MarkOffline(context.Background())
	log.Info("eviqo-mqtt-bridge: shut down")
	return 0
}

// newLogger builds the process-level zap logger. Debug mode switches to the
// development encoder (human-readable, colorized level, full stack traces on
// Warn+); the level is taken from cfg.LogLevel, which comes from
// EVIQO_LOG_LEVEL unless --debug has forced it to "debug".
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}

	var zcfg zap.Config
	if cfg.Debug {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// removeAllDiscovery connects the vendor session just far enough to
// enumerate devices, then publishes an empty retained payload to every
// discovery topic the bridge would ever have published for each one,
// including the legacy Charging binary-sensor spelling, per §4.4.
func removeAllDiscovery(ctx context.Context, cfg *config.Config, mqttClient *mqttclient.Client, log *zap.Logger) error {
	sess := session.New(cfg.Email, cfg.Password, nil, session.Callbacks{}, log)
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect session: %w", err)
	}
	defer sess.Close()

	devices, err := sess.Handshake(ctx)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	for _, device := range devices {
		topics := discovery.Topics{
			DiscoveryPrefix: cfg.DiscoveryPrefix,
			TopicPrefix:     cfg.TopicPrefix,
			DeviceID:        device.DeviceID,
		}
		for _, msg := range discovery.RemovalMessages(topics, true) {
			if err := mqttClient.Publish(ctx, msg.Topic, msg.Payload, msg.Retain); err != nil {
				return fmt.Errorf("publish removal for device %d topic %s: %w", device.DeviceID, msg.Topic, err)
			}
		}
		log.Info("removed discovery documents", zap.Int("deviceId", device.DeviceID))
	}
	return nil
}
