// Command imagemount opens a disk-image snapshot (NTFS-clone, partclone,
// or raw), binds it to a kernel NBD device, and services read/write
// requests against it until disconnected.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/vasi/partclone-utils/backend"
	"github.com/vasi/partclone-utils/image"
	"github.com/vasi/partclone-utils/nbd"
)

// daemonConfig holds defaults read from an optional YAML config file
// (-C/--config). Any flag the caller actually passed on the command line
// takes precedence over the matching config field.
type daemonConfig struct {
	Device     string `yaml:"device"`
	ChangeFile string `yaml:"changefile"`
	ReadOnly   bool   `yaml:"readonly"`
	Tolerant   bool   `yaml:"tolerant"`
	Raw        bool   `yaml:"raw"`
	Timeout    int    `yaml:"timeout"`
	Verbose    int    `yaml:"verbose"`
	PidFile    string `yaml:"pidfile"`
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	var cfg daemonConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("imagemount: open config %s: %w", path, err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("imagemount: parse config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("imagemount", flag.ContinueOnError)

	file := flagSet.StringP("file", "f", "", "image file to mount (required)")
	cfile := flagSet.StringP("changefile", "c", "", "change file path (default: <file>.cf)")
	nbdDev := flagSet.StringP("device", "d", "", "NBD device to bind, e.g. /dev/nbd0 (required)")
	readOnly := flagSet.BoolP("readonly", "r", false, "open read-only")
	tolerant := flagSet.BoolP("tolerant", "T", false, "tolerate framing errors in the source image")
	rawAllowed := flagSet.BoolP("raw", "R", false, "allow the raw fallback backend")
	timeout := flagSet.IntP("timeout", "i", -1, "NBD kernel timeout in seconds")
	verbose := flagSet.IntP("verbose", "v", 0, "log verbosity (0-2)")
	pidfile := flagSet.StringP("pidfile", "p", "", "write our pid to this path")
	configPath := flagSet.StringP("config", "C", "", "optional YAML file of daemon defaults")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	if *configPath != "" {
		cfg, err := loadDaemonConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		if !flagSet.Changed("device") && cfg.Device != "" {
			*nbdDev = cfg.Device
		}
		if !flagSet.Changed("changefile") && cfg.ChangeFile != "" {
			*cfile = cfg.ChangeFile
		}
		if !flagSet.Changed("readonly") {
			*readOnly = cfg.ReadOnly
		}
		if !flagSet.Changed("tolerant") {
			*tolerant = cfg.Tolerant
		}
		if !flagSet.Changed("raw") {
			*rawAllowed = cfg.Raw
		}
		if !flagSet.Changed("timeout") && cfg.Timeout != 0 {
			*timeout = cfg.Timeout
		}
		if !flagSet.Changed("verbose") && cfg.Verbose != 0 {
			*verbose = cfg.Verbose
		}
		if !flagSet.Changed("pidfile") && cfg.PidFile != "" {
			*pidfile = cfg.PidFile
		}
	}

	if *file == "" || *nbdDev == "" {
		fmt.Fprintln(os.Stderr, "usage: imagemount -f <file> -d <nbd-device> [options]")
		return 2
	}

	log := logrus.New()
	switch {
	case *verbose >= 2:
		log.SetLevel(logrus.DebugLevel)
	case *verbose == 1:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.WarnLevel)
	}

	mode := backend.ReadWrite
	if *readOnly {
		mode = backend.ReadOnly
	}

	log.WithField("file", *file).Info("opening image")
	img, err := image.Open(*file, *cfile, mode, *rawAllowed)
	if err != nil {
		log.WithError(err).Error("open failed")
		return 1
	}
	defer img.Close()

	if *tolerant {
		_ = img.TolerantMode(true)
	}
	if err := img.Verify(); err != nil {
		log.WithError(err).Error("verify failed")
		return 1
	}
	log.WithField("backend", img.Name()).Info("image verified")

	blockSize, _ := img.BlockSize()
	svc, err := nbd.Connect(nbd.Config{
		Device:    *nbdDev,
		BlockSize: uint64(blockSize),
		ReadOnly:  *readOnly,
		Timeout:   *timeout,
		PidFile:   *pidfile,
	}, img)
	if err != nil {
		log.WithError(err).Error("nbd connect failed")
		return 1
	}
	defer svc.Close()

	log.WithField("device", *nbdDev).Info("device ready; service requests starting")
	if err := svc.ServiceRequests(context.Background()); err != nil {
		log.WithError(err).Error("service loop exited with error")
		return 1
	}
	return 0
}
