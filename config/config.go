// Package config holds the settings shared by every spiftlctl subcommand:
// the simulated flash geometry, the backing file it persists to, and the
// NBD device path handed to the serve subcommand.
package config

// Flash describes the geometry spiftlctl hands to flash.NewRAMDevice.
type Flash struct {
	SizeBytes       int64  `mapstructure:"size_bytes"`
	WriteBufferSize int    `mapstructure:"write_buffer_size"`
	BackingFile     string `mapstructure:"backing_file"`
}

// NBD describes the kernel network block device path given to the serve
// subcommand. serve logs it; it does not attach to the device.
type NBD struct {
	DevicePath string `mapstructure:"device_path"`
}

// Config is the full set of settings a spiftlctl invocation needs.
type Config struct {
	Flash Flash `mapstructure:"flash"`
	NBD   NBD   `mapstructure:"nbd"`
	Debug bool  `mapstructure:"debug"`
}

// Default returns the settings spiftlctl falls back to when neither a
// config file nor flags override them.
func Default() *Config {
	return &Config{
		Flash: Flash{
			SizeBytes:       4 * 1024 * 1024,
			WriteBufferSize: 256,
			BackingFile:     "spiftl.img",
		},
		NBD: NBD{
			DevicePath: "/dev/nbd0",
		},
	}
}
