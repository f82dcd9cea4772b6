package main

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
	"github.com/nexus-edge/gigacore-gateway/internal/service"
	"github.com/nexus-edge/gigacore-gateway/pkg/logging"
)

func newWatchCmd() *cobra.Command {
	var (
		device domain.Device
		level  string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to one switch and log every state change",
		Long: `Connect to a single switch without MQTT and print the reconciled
state changes, variable values and connectivity to the console.

  gateway watch --host 10.0.0.10
  gateway watch --bonjour 10.0.0.10:80 --gen1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			device.Enabled = true
			if device.ID == "" {
				device.ID = "watch"
			}
			return runWatch(&device, level)
		},
	}

	cmd.Flags().StringVar(&device.ID, "id", "", "device id used in logs")
	cmd.Flags().StringVar(&device.Host, "host", "", "switch IP address or hostname")
	cmd.Flags().StringVar(&device.BonjourHost, "bonjour", "", "discovered ip:port address, takes precedence over --host")
	cmd.Flags().StringVar(&device.Password, "password", "", "switch password, when authentication is enabled")
	cmd.Flags().BoolVar(&device.Gen1, "gen1", false, "use the legacy polling protocol")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")
	return cmd
}

func runWatch(device *domain.Device, level string) error {
	if err := device.Validate(); err != nil {
		return fmt.Errorf("invalid device: %w", err)
	}
	address, _ := device.Address()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(level, "console")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	host := &consoleHost{logger: logging.WithDevice(logger, device.ID)}
	adapter := service.NewAdapter(device, address, transportConfig(cfg.Transport), host,
		metrics.NewRegistry(prometheus.NewRegistry()), logger)
	host.model = adapter

	logger.Info().
		Str("address", address).
		Str("protocol", string(device.Protocol())).
		Msg("Watching switch, press Ctrl+C to stop")
	adapter.Connect()

	<-ctx.Done()
	adapter.Destroy()
	return nil
}

// consoleHost logs every host callback.
type consoleHost struct {
	logger zerolog.Logger
	model  service.DeviceAdapter
}

func (h *consoleHost) InitActions() { h.logger.Info().Msg("Actions rebuilt") }

func (h *consoleHost) InitVariables() {
	if h.model == nil {
		return
	}
	snap := h.model.Model().Snapshot()
	h.logger.Info().
		Str("name", snap.Identity.Name).
		Str("model", snap.Identity.Model).
		Int("ports", len(snap.Ports)).
		Int("groups", len(snap.Groups)).
		Int("profiles", len(snap.Profiles)).
		Bool("poe", snap.Identity.PoeCapable).
		Msg("Variables rebuilt")
}

func (h *consoleHost) InitPresets()   { h.logger.Info().Msg("Presets rebuilt") }
func (h *consoleHost) InitFeedbacks() { h.logger.Info().Msg("Feedbacks rebuilt") }

func (h *consoleHost) SetVariableValues(values map[string]any) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	e := h.logger.Info().Int("count", len(values))
	if len(names) <= 12 {
		for _, name := range names {
			e = e.Interface(name, values[name])
		}
	}
	e.Msg("Variables")
}

func (h *consoleHost) CheckFeedbacks(fired domain.ChangeSet, tokens []string) {
	h.logger.Info().
		Strs("classes", fired.Strings()).
		Strs("tokens", tokens).
		Msg("Feedbacks")
}

func (h *consoleHost) UpdateStatus(status domain.DeviceStatus, message string) {
	h.logger.Info().
		Str("status", string(status)).
		Str("message", message).
		Msg("Status")
}
