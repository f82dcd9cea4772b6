package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nexus-edge/gigacore-gateway/internal/adapter/config"
	"github.com/nexus-edge/gigacore-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/health"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
	"github.com/nexus-edge/gigacore-gateway/internal/service"
	"github.com/nexus-edge/gigacore-gateway/pkg/logging"
)

func newServeCmd() *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway for the configured device inventory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(!noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the device inventory on change")
	return cmd
}

func runServe(watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format).
		With().Str("service", serviceName).Str("version", version).Logger()
	logger.Info().Str("env", cfg.Environment).Msg("Starting GigaCore gateway")

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mqttClient := mqtt.NewClient(mqtt.ClientConfig{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            cfg.MQTT.QoS,
		KeepAlive:      cfg.MQTT.KeepAlive,
		CleanSession:   cfg.MQTT.CleanSession,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		ReconnectDelay: cfg.MQTT.ReconnectDelay,
		TopicPrefix:    cfg.MQTT.TopicPrefix,
	}, logger, metricsRegistry)

	if err := mqttClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer mqttClient.Disconnect()

	transport := transportConfig(cfg.Transport)
	manager := service.NewManager(func(device *domain.Device, address string) service.DeviceAdapter {
		host := mqtt.NewDeviceHost(mqttClient, cfg.MQTT.TopicPrefix, device.ID, logger)
		adapter := service.NewAdapter(device, address, transport, host, metricsRegistry, logger)
		host.Attach(adapter.Model())
		return adapter
	}, metricsRegistry, logger)

	devices, err := config.LoadDevices(cfg.DevicesConfigPath)
	if err != nil {
		return err
	}
	logger.Info().Int("count", len(devices)).Msg("Loaded device configurations")
	manager.Apply(devices)

	commands := service.NewCommandHandler(mqttClient.Paho(), manager, service.CommandConfig{
		CommandTopicPrefix:    cfg.MQTT.CommandPrefix,
		QoS:                   cfg.MQTT.QoS,
		EnableAcknowledgement: true,
	}, metricsRegistry, logger)
	mqttClient.OnConnect(commands.Resubscribe)
	if err := commands.Start(); err != nil {
		return err
	}

	if watch {
		go func() {
			err := config.WatchDevices(ctx, cfg.DevicesConfigPath, config.DefaultWatchDebounce, logger, manager.Apply)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Device inventory watcher stopped")
			}
		}()
	}

	healthChecker := health.NewChecker(manager, mqttClient, version, logger)

	mux := http.NewServeMux()
	healthChecker.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := commands.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping command handler")
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping device manager")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().
		Interface("commands", commands.GetStats()).
		Interface("devices", manager.Stats()).
		Msg("GigaCore gateway shutdown complete")
	return nil
}
