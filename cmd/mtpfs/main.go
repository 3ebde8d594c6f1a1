// mtpfs mounts an MTP device (phone, camera, player) as a filesystem.
//
// Sub-commands:
//
//	mtpfs mount -mount DIR [flags]   Mount the device (default)
//	mtpfs storages [flags]           List the device's storages
//	mtpfs ls [flags] PATH            List a directory on the device
//	mtpfs stat [flags] PATH          Show attributes of a path on the device
//
// A mounted filesystem re-reads log_level from the config file on SIGHUP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fruitsalade/mtpfs/internal/config"
	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/device/memory"
	"github.com/fruitsalade/mtpfs/internal/device/usb"
	"github.com/fruitsalade/mtpfs/internal/fuse"
	"github.com/fruitsalade/mtpfs/internal/logging"
	"github.com/fruitsalade/mtpfs/internal/metrics"
	"github.com/fruitsalade/mtpfs/internal/mtpfs"
	"github.com/fruitsalade/mtpfs/internal/retry"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "storages":
			cmdStorages(args[1:])
			return
		case "ls":
			cmdLs(args[1:])
			return
		case "stat":
			cmdStat(args[1:])
			return
		case "mount":
			args = args[1:]
		}
	}

	cmdMount(args)
}

// flags binds the options shared by every sub-command. Values given on the
// command line override the config file and the environment.
type flags struct {
	fs         *flag.FlagSet
	configPath string
	cfg        config.Config
}

func newFlags(name string) *flags {
	f := &flags{fs: flag.NewFlagSet(name, flag.ExitOnError)}
	def := config.Default()
	f.fs.StringVar(&f.configPath, "config", os.Getenv("MTPFS_CONFIG"), "TOML config file")
	f.fs.StringVar(&f.cfg.Device, "device", def.Device, "Device kind: usb or memory")
	f.fs.StringVar(&f.cfg.DeviceMatch, "match", "", "Pattern matched against the USB device id")
	f.fs.DurationVar(&f.cfg.DeviceTimeout, "timeout", def.DeviceTimeout, "Per-call device timeout")
	f.fs.IntVar(&f.cfg.RetryAttempts, "retries", def.RetryAttempts, "Attempts for read-only device calls")
	f.fs.DurationVar(&f.cfg.CacheTTL, "ttl", def.CacheTTL, "Metadata cache TTL")
	f.fs.StringVar(&f.cfg.StagingDir, "staging", "", "Directory for write staging files (default: system temp)")
	f.fs.StringVar(&f.cfg.LogLevel, "log-level", def.LogLevel, "Log level: debug, info, warn, error")
	f.fs.StringVar(&f.cfg.LogFormat, "log-format", def.LogFormat, "Log format: console or json")
	f.fs.StringVar(&f.cfg.LogFile, "log-file", def.LogFile, "Log output: stderr, stdout or a file path")
	return f
}

// load parses args and layers the explicitly set flags over config.Load.
func (f *flags) load(args []string) *config.Config {
	f.fs.Parse(args)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "device":
			cfg.Device = f.cfg.Device
		case "match":
			cfg.DeviceMatch = f.cfg.DeviceMatch
		case "timeout":
			cfg.DeviceTimeout = f.cfg.DeviceTimeout
		case "retries":
			cfg.RetryAttempts = f.cfg.RetryAttempts
		case "ttl":
			cfg.CacheTTL = f.cfg.CacheTTL
		case "staging":
			cfg.StagingDir = f.cfg.StagingDir
		case "log-level":
			cfg.LogLevel = f.cfg.LogLevel
		case "log-format":
			cfg.LogFormat = f.cfg.LogFormat
		case "log-file":
			cfg.LogFile = f.cfg.LogFile
		case "mount":
			cfg.MountPoint = f.cfg.MountPoint
		case "allow-other":
			cfg.AllowOther = f.cfg.AllowOther
		case "debug":
			cfg.Debug = f.cfg.Debug
		case "metrics":
			cfg.MetricsAddr = f.cfg.MetricsAddr
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Output:     cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openDevice opens the configured device and wraps it with metrics,
// retries for read-only calls, and the device lock with its timeout.
func openDevice(cfg *config.Config) (device.Device, error) {
	var dev device.Device
	switch cfg.Device {
	case config.DeviceMemory:
		dev = memory.NewDemo()
	default:
		d, err := usb.Open(cfg.DeviceMatch)
		if err != nil {
			return nil, err
		}
		dev = d
	}

	rcfg := retry.DefaultConfig()
	rcfg.MaxAttempts = cfg.RetryAttempts
	dev = device.NewInstrumented(dev)
	dev = device.NewRetrying(dev, rcfg)
	return device.NewSerialized(dev, cfg.DeviceTimeout), nil
}

// openFS opens the device and builds the filesystem without mounting it.
func openFS(cfg *config.Config) (*fuse.FS, device.Device) {
	dev, err := openDevice(cfg)
	if err != nil {
		logging.Fatal("Failed to open device", logging.Err(err))
	}
	cache := mtpfs.NewCache(cfg.CacheTTL, cfg.StagingDir)
	return fuse.New(dev, cache, fuse.Config{AllowOther: cfg.AllowOther, Debug: cfg.Debug}), dev
}

func cmdMount(args []string) {
	f := newFlags("mount")
	f.fs.StringVar(&f.cfg.MountPoint, "mount", "", "Mount point (required)")
	f.fs.BoolVar(&f.cfg.AllowOther, "allow-other", false, "Allow other users to access the mount")
	f.fs.BoolVar(&f.cfg.Debug, "debug", false, "Log every FUSE request")
	f.fs.StringVar(&f.cfg.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	cfg := f.load(args)
	defer logging.Sync()

	if cfg.MountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: -mount is required\n")
		f.fs.Usage()
		os.Exit(1)
	}

	session := logging.WithSession()
	logging.Info("mtpfs starting",
		logging.String("session", session),
		logging.String("device", cfg.Device),
		logging.String("mount", cfg.MountPoint),
		logging.Duration("cache_ttl", cfg.CacheTTL),
		logging.Duration("device_timeout", cfg.DeviceTimeout),
	)

	fsys, dev := openFS(cfg)
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DeviceTimeout)
	storages, err := fsys.Root().Metadata(ctx)
	cancel()
	if err != nil {
		logging.Fatal("Failed to read storages", logging.Err(err))
	}
	for _, s := range storages.Storages {
		logging.Info("storage",
			logging.String("description", s.Description),
			logging.String("free", humanize.IBytes(s.FreeSpace)),
			logging.String("capacity", humanize.IBytes(s.MaxCapacity)),
		)
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr, func(err error) {
			logging.Error("metrics server failed", logging.Err(err))
		})
		defer srv.Close()
		logging.Info("metrics enabled", logging.String("addr", cfg.MetricsAddr))
	}

	server, err := fsys.Mount(cfg.MountPoint)
	if err != nil {
		logging.Fatal("Mount failed", logging.Err(err))
	}
	logging.Info("Filesystem mounted; press Ctrl+C to unmount", logging.String("mount", cfg.MountPoint))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reloadLogLevel(f.configPath)
				continue
			}
			logging.Info("Unmounting...")
			if err := server.Unmount(); err != nil {
				logging.Error("Unmount failed", logging.Err(err))
			}
			return
		}
	}()

	server.Wait()
	logging.Info("Done")
}

// reloadLogLevel re-reads the config file and environment and applies the
// log level without remounting.
func reloadLogLevel(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		logging.Error("reload config failed", logging.Err(err))
		return
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.Error("reload log level failed", logging.Err(err))
		return
	}
	logging.Info("log level reloaded", logging.String("level", cfg.LogLevel))
}

func cmdStorages(args []string) {
	f := newFlags("storages")
	cfg := f.load(args)
	defer logging.Sync()

	fsys, dev := openFS(cfg)
	defer dev.Close()

	md, err := fsys.Root().Metadata(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%-10s  %10s  %10s  %s\n", "ID", "FREE", "CAPACITY", "DESCRIPTION")
	for _, s := range md.Storages {
		fmt.Printf("0x%08x  %10s  %10s  %s\n", uint32(s.ID), humanize.IBytes(s.FreeSpace), humanize.IBytes(s.MaxCapacity), s.Description)
	}
}

func cmdLs(args []string) {
	f := newFlags("ls")
	all := f.fs.Bool("a", false, "Include . and ..")
	cfg := f.load(args)
	defer logging.Sync()

	fsys, dev := openFS(cfg)
	defer dev.Close()

	ctx := context.Background()
	node, err := fsys.Resolve(ctx, f.fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	list := node.ReadDirectory
	if *all {
		list = node.ReadDir
	}
	err = list(ctx, func(name string, attr *mtpfs.Attr) {
		if attr == nil {
			fmt.Printf("%-10s  %10s  %-16s  %s\n", "", "", "", name)
			return
		}
		fmt.Printf("%-10s  %10s  %-16s  %s\n", attr.Mode, humanize.IBytes(attr.Size), modTime(attr.ModTime), name)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStat(args []string) {
	f := newFlags("stat")
	cfg := f.load(args)
	defer logging.Sync()

	if f.fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: mtpfs stat [flags] PATH\n")
		os.Exit(1)
	}

	fsys, dev := openFS(cfg)
	defer dev.Close()

	ctx := context.Background()
	node, err := fsys.Resolve(ctx, f.fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	attr, err := node.Stat(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	st, err := node.StatFS(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Path:     %s\n", f.fs.Arg(0))
	fmt.Printf("Object:   0x%08x\n", uint32(attr.ID))
	fmt.Printf("Mode:     %s\n", attr.Mode)
	fmt.Printf("Size:     %d (%s)\n", attr.Size, humanize.IBytes(attr.Size))
	fmt.Printf("Links:    %d\n", attr.Nlink)
	fmt.Printf("Modified: %s\n", modTime(attr.ModTime))
	fmt.Printf("Storage:  %s free of %s\n",
		humanize.IBytes(st.Avail*uint64(st.BlockSize)), humanize.IBytes(st.Blocks*uint64(st.BlockSize)))
}

func modTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
