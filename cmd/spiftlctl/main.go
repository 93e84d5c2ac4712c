// Command spiftlctl formats, checks, and serves a simulated SPI NOR flash
// device through the ftl package.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	_ "github.com/akmistry/go-nbd"

	"github.com/spiftl-go/spiftl/config"
	"github.com/spiftl-go/spiftl/flash"
	"github.com/spiftl-go/spiftl/ftl"
	"github.com/spiftl-go/spiftl/internal/telemetry"
)

var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:           "spiftlctl",
	Short:         "format, check and serve a simulated SPI NOR flash FTL",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(bindViper)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "optional TOML/YAML/JSON config file")
	pf.Int64Var(&cfg.Flash.SizeBytes, "size", cfg.Flash.SizeBytes, "simulated flash size in bytes")
	pf.IntVar(&cfg.Flash.WriteBufferSize, "write-buffer-size", cfg.Flash.WriteBufferSize, "flash program granularity in bytes")
	pf.StringVar(&cfg.Flash.BackingFile, "backing-file", cfg.Flash.BackingFile, "file the flash image persists to")
	pf.StringVar(&cfg.NBD.DevicePath, "nbd-device", cfg.NBD.DevicePath, "kernel NBD device path for serve")
	pf.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")

	viper.BindPFlag("flash.size_bytes", pf.Lookup("size"))
	viper.BindPFlag("flash.write_buffer_size", pf.Lookup("write-buffer-size"))
	viper.BindPFlag("flash.backing_file", pf.Lookup("backing-file"))
	viper.BindPFlag("nbd.device_path", pf.Lookup("nbd-device"))
	viper.BindPFlag("debug", pf.Lookup("debug"))

	rootCmd.AddCommand(formatCmd, checkCmd, serveCmd)
}

func bindViper() {
	if path, _ := rootCmd.PersistentFlags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "spiftlctl: reading config %s: %v\n", path, err)
			os.Exit(1)
		}
	}
	cfg.Flash.SizeBytes = viper.GetInt64("flash.size_bytes")
	cfg.Flash.WriteBufferSize = viper.GetInt("flash.write_buffer_size")
	cfg.Flash.BackingFile = viper.GetString("flash.backing_file")
	cfg.NBD.DevicePath = viper.GetString("nbd.device_path")
	cfg.Debug = viper.GetBool("debug")
}

func openDevice() (*flash.RAMDevice, error) {
	dev, err := flash.NewRAMDevice(int(cfg.Flash.SizeBytes), cfg.Flash.WriteBufferSize)
	if err != nil {
		return nil, err
	}
	return dev.WithBackingFile(cfg.Flash.BackingFile), nil
}

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "erase the backing file and write a fresh, empty FTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := telemetry.New(cfg.Debug)
		if err != nil {
			return err
		}
		defer log.Sync()

		dev, err := openDevice()
		if err != nil {
			return err
		}
		f, err := ftl.New(dev, ftl.WithLogger(log))
		if err != nil {
			return err
		}
		if !f.Format() {
			return fmt.Errorf("spiftlctl: format reported a fault: %s", "see log")
		}
		if !f.Persist() {
			return fmt.Errorf("spiftlctl: persisting freshly formatted FTL failed")
		}
		log.Info("format complete", zap.Int("lbaCount", f.LBACount()), zap.Int("ebCount", f.EBCount()))
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "load the backing file and verify every FTL invariant",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := telemetry.New(cfg.Debug)
		if err != nil {
			return err
		}
		defer log.Sync()

		dev, err := openDevice()
		if err != nil {
			return err
		}
		f, err := ftl.New(dev, ftl.WithLogger(log))
		if err != nil {
			return err
		}
		if !f.Start() {
			return fmt.Errorf("spiftlctl: no valid metadata found and format was refused")
		}
		if !f.Check() {
			return fmt.Errorf("spiftlctl: check failed, faults=%d", f.Faults())
		}
		log.Info("check passed", zap.Int("lbaCount", f.LBACount()), zap.Int("faults", f.Faults()))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a read-after-write self-test through the FTL's block-device adapter (no kernel NBD attach)",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := telemetry.New(cfg.Debug)
		if err != nil {
			return err
		}
		defer log.Sync()

		dev, err := openDevice()
		if err != nil {
			return err
		}
		f, err := ftl.New(dev, ftl.WithLogger(log))
		if err != nil {
			return err
		}
		if !f.Start() {
			return fmt.Errorf("spiftlctl: no valid metadata found and format was refused")
		}
		log.Info("serving", zap.String("nbdDevice", cfg.NBD.DevicePath), zap.Int("lbaCount", f.LBACount()))
		return attachNBD(cfg.NBD.DevicePath, f, log)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
