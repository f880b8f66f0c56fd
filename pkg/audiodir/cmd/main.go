package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/MixyLabs/audiodir/pkg/audiodir"
	"github.com/MixyLabs/audiodir/pkg/audiodir/devices"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose    bool
	list       bool
	setDefault string
	role       string
)

const oneShotTimeout = 10 * time.Second

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging device notifications)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.BoolVar(&list, "list", false, "print the playback devices and exit")
	flag.StringVar(&setDefault, "set-default", "", "make the device with this id the default and exit")
	flag.StringVar(&role, "role", "multimedia", "role for --set-default: multimedia or communications")
	flag.Parse()
}

func main() {
	logger, err := audiodir.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := audiodir.NewAudioDir(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create audiodir object", "error", err)
	}

	if list || setDefault != "" {
		if err := runOnce(d); err != nil {
			named.Errorw("Command failed", "error", err)
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		d.SetVersion(versionString)
	}

	if err = d.Initialize(); err != nil {
		named.Fatalw("Failed to initialize audiodir", "error", err)
	}
}

func runOnce(d *audiodir.AudioDir) (err error) {
	parsedRole, err := devices.ParseRole(role)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), oneShotTimeout)
	defer cancel()

	if err := d.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if closeErr := d.Close(); err == nil {
			err = closeErr
		}
	}()

	if setDefault != "" {
		if err := d.SetDefault(ctx, setDefault, parsedRole); err != nil {
			return err
		}
	}

	if list {
		return d.WriteDeviceList(ctx, os.Stdout)
	}

	return nil
}
