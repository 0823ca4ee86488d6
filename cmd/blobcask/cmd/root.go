package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/blobcask/blobcask/pkg/blobfs"
	"github.com/blobcask/blobcask/pkg/blockdev"
	"github.com/blobcask/blobcask/pkg/dlogger"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootParams struct {
	device    string
	blockSize uint32
	logLevel  string
	readOnly  bool
	noJournal bool
	cacheSize int
}

var params rootParams

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blobcask",
	Short: "blobcask manages a content-addressed blob store on a block device",
	Long: `blobcask stores immutable blobs addressed by the blake2b-256 digest of
their content, on a raw device or a device image file.

Writes are journaled: a blob is either fully present after a crash or
not present at all. Blobs are written once, read many times and removed
by unlinking their digest.
`,
}

// used to patch over calls to os.Exit() during test
var osExit = os.Exit

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)
	fl := rootCmd.PersistentFlags()
	fl.StringVar(&params.device, "device", "", "path to the device or image file holding the store")
	fl.Uint32Var(&params.blockSize, "block-size", 4096, "device block size in bytes")
	fl.StringVar(&params.logLevel, "log-level", "info", "log level (none, info, debug)")
	fl.BoolVar(&params.readOnly, "read-only", false, "mount without accepting writes")
	fl.BoolVar(&params.noJournal, "no-journal", false, "disable metadata journaling (unsafe across crashes)")
	fl.IntVar(&params.cacheSize, "cache-size", 0, "blobs to keep cached in memory after use (0 disables retention)")
	_ = viper.BindPFlag("device", fl.Lookup("device"))
	_ = viper.BindPFlag("block_size", fl.Lookup("block-size"))
	_ = viper.BindPFlag("log_level", fl.Lookup("log-level"))
}

// initConfig reads in the config file and environment if set
func initConfig() {
	viper.SetEnvPrefix("blobcask")
	viper.AutomaticEnv()
	if cfg := os.Getenv("BLOBCASK_CONFIG"); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.blobcask")
		viper.AddConfigPath("/etc/blobcask")
		viper.SetConfigName("blobcask")
	}
	if err := viper.ReadInConfig(); err == nil {
		log.Println("using config file:", viper.ConfigFileUsed())
	}
	if v := viper.GetString("device"); v != "" {
		params.device = v
	}
	if v := viper.GetUint32("block_size"); v != 0 {
		params.blockSize = v
	}
	if v := viper.GetString("log_level"); v != "" {
		params.logLevel = v
	}
}

func openDevice() (blockdev.Device, error) {
	if params.device == "" {
		return nil, fmt.Errorf("a device is required, set --device or the BLOBCASK_DEVICE environment variable")
	}
	return blockdev.OpenFile(afero.NewOsFs(), params.device, params.blockSize)
}

func mountStore(ctx context.Context) (*blobfs.Engine, blockdev.Device, error) {
	dev, err := openDevice()
	if err != nil {
		return nil, nil, err
	}
	opts := []blobfs.Option{
		blobfs.Logger(dlogger.MustGetLogger(params.logLevel)),
	}
	if params.readOnly {
		opts = append(opts, blobfs.Mode(blobfs.ReadOnlyFilesystem))
	}
	if params.noJournal {
		opts = append(opts, blobfs.WithoutJournal())
	}
	if params.cacheSize > 0 {
		opts = append(opts, blobfs.CachePolicy(blobfs.NewLRUPolicy(params.cacheSize)))
	}
	e, err := blobfs.New(ctx, dev, opts...)
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}
	return e, dev, nil
}
