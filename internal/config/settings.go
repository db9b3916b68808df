package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings holds the daemon configuration loaded from config.yaml.
type Settings struct {
	// KlipperDir is the firmware source checkout used for builds and for
	// the canbus query helper script.
	KlipperDir string `yaml:"klipper_dir"`
	// KatapultDir is the Katapult bootloader checkout whose flashtool
	// drives CAN and serial flashing.
	KatapultDir string `yaml:"katapult_dir"`
	// Listen is the HTTP API listen address.
	Listen string `yaml:"listen"`
	// CANBitrate is applied when bringing a CAN interface up.
	CANBitrate int `yaml:"can_bitrate"`
	// DFUVendorID selects DFU-mode devices (vendor:product).
	DFUVendorID string `yaml:"dfu_vendor_id"`
	// DFUAddress is the default flash base address for DFU downloads.
	DFUAddress string `yaml:"dfu_address"`
	// SerialBaud is the Katapult serial flashing baud rate.
	SerialBaud int `yaml:"serial_baud"`
	// ServiceUnits are the systemd unit glob patterns stopped while the
	// bus is being flashed.
	ServiceUnits []string `yaml:"service_units"`
	// HostMCUService is the unit wrapping the host-process MCU binary.
	HostMCUService string `yaml:"host_mcu_service"`
	// HostMCUBinary is the install destination for host-process builds.
	HostMCUBinary string `yaml:"host_mcu_binary"`
}

// DefaultSettings returns the settings used when no config.yaml exists.
func DefaultSettings() Settings {
	return Settings{
		KlipperDir:     ExpandPath("~/klipper"),
		KatapultDir:    ExpandPath("~/katapult"),
		Listen:         "127.0.0.1:8321",
		CANBitrate:     1000000,
		DFUVendorID:    "0483:df11",
		DFUAddress:     "0x08000000",
		SerialBaud:     250000,
		ServiceUnits:   []string{"klipper*", "moonraker*"},
		HostMCUService: "klipper-mcu.service",
		HostMCUBinary:  "/usr/local/bin/klipper_mcu",
	}
}

// LoadSettings reads config.yaml from the instance home, overlaying the
// defaults. A missing file is not an error.
func LoadSettings(paths InstancePaths) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(paths.Settings)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("config: read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("config: parse settings: %w", err)
	}

	settings.KlipperDir = ExpandPath(settings.KlipperDir)
	settings.KatapultDir = ExpandPath(settings.KatapultDir)
	settings.HostMCUBinary = ExpandPath(settings.HostMCUBinary)
	return settings, nil
}

// SaveSettings writes the settings back to config.yaml.
func SaveSettings(paths InstancePaths, settings Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("config: marshal settings: %w", err)
	}
	if err := os.WriteFile(paths.Settings, data, 0o644); err != nil {
		return fmt.Errorf("config: write settings: %w", err)
	}
	return nil
}
