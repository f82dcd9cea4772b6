package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

var envBraces = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvBraces expands only ${VAR} and ${VAR:default} patterns, leaving
// bare $ characters in passwords untouched.
func expandEnvBraces(s string) string {
	return envBraces.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraces.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// DevicesFile is the on-disk inventory format.
type DevicesFile struct {
	Devices []deviceEntry `yaml:"devices"`
}

// deviceEntry defaults enabled to true when the key is absent.
type deviceEntry domain.Device

func (e *deviceEntry) UnmarshalYAML(node *yaml.Node) error {
	type plain deviceEntry
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = deviceEntry(p)
	return nil
}

// LoadDevices reads the switch inventory from path. Entries are returned
// unvalidated; the device manager skips invalid ones.
func LoadDevices(path string) ([]*domain.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices decodes an inventory document.
func ParseDevices(data []byte) ([]*domain.Device, error) {
	var file DevicesFile
	if err := yaml.Unmarshal([]byte(expandEnvBraces(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}

	devices := make([]*domain.Device, 0, len(file.Devices))
	for i := range file.Devices {
		d := domain.Device(file.Devices[i])
		if d.Name == "" {
			d.Name = d.ID
		}
		devices = append(devices, &d)
	}
	return devices, nil
}
