// Package audiodir keeps a live directory of the machine's playback devices
// and lets the user switch the default one from the tray or the command line.
package audiodir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/audiodir/pkg/audiodir/devices"
	"github.com/MixyLabs/audiodir/pkg/audiodir/util"
)

var errDirectoryClosed = errors.New("device directory is closed")

const (
	eventBufferSize = 64

	ownerCallTimeout = 5 * time.Second
)

// ProviderFactory builds the OS endpoint provider. It's called on the owner goroutine.
type ProviderFactory func(logger *zap.SugaredLogger, opts devices.ProviderOptions) (devices.EndpointProvider, error)

// PolicyConfigFactory builds the OS capability that changes default endpoints
type PolicyConfigFactory func(logger *zap.SugaredLogger, opts devices.ProviderOptions) (devices.PolicyConfig, error)

// deviceEntry is a device as presented to the user
type deviceEntry struct {
	ID                    string
	Name                  string
	DefaultPlayback       bool
	DefaultCommunications bool
}

// AudioDir is the main entity managing all subcomponents
type AudioDir struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager

	newProvider ProviderFactory
	newPolicy   PolicyConfigFactory

	dispatcher *devices.Dispatcher
	provider   devices.EndpointProvider
	policy     *devices.PolicyClient
	directory  *devices.DeviceDirectory
	events     chan devices.Event

	refreshMu sync.Mutex

	viewMu      sync.Mutex
	tray        *trayMenu
	defaultName string

	flyoutMu             sync.Mutex
	lastAudioFlyoutShown time.Time

	runningWithTray bool
	stopChannel     chan bool
	stopOnce        sync.Once
	version         string
	verbose         bool
}

func NewAudioDir(logger *zap.SugaredLogger, verbose bool) (*AudioDir, error) {
	logger = logger.Named("audiodir")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := newAudioDir(logger, notifier, config, devices.NewEndpointProvider, devices.NewPolicyConfig)
	d.verbose = verbose

	logger.Debug("Created audiodir instance")

	return d, nil
}

func newAudioDir(
	logger *zap.SugaredLogger,
	notifier Notifier,
	config *ConfigManager,
	newProvider ProviderFactory,
	newPolicy PolicyConfigFactory,
) *AudioDir {
	return &AudioDir{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		newProvider: newProvider,
		newPolicy:   newPolicy,
		dispatcher:  devices.NewDispatcher(logger),
		stopChannel: make(chan bool),
	}
}

// SetVersion causes audiodir to add a version string to its tray menu if called before Initialize
func (d *AudioDir) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether audiodir is running in verbose mode
func (d *AudioDir) Verbose() bool {
	return d.verbose
}

// Open loads the config and builds the device directory on the owner goroutine
func (d *AudioDir) Open(ctx context.Context) error {
	d.logger.Debug("Opening")

	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := d.dispatcher.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	opts := devices.ProviderOptions{PulseServer: d.configMan.Current().PulseServer}

	// the policy capability is built lazily on the owner goroutine, so it
	// shares the provider's COM apartment
	d.policy = devices.NewPolicyClient(func() (devices.PolicyConfig, error) {
		return d.newPolicy(d.logger, opts)
	})

	var openErr error
	err := d.dispatcher.Invoke(ctx, func() {
		provider, err := d.newProvider(d.logger, opts)
		if err != nil {
			openErr = fmt.Errorf("create endpoint provider: %w", err)
			return
		}

		directory, err := devices.NewDeviceDirectory(devices.DirectoryConfig{
			Logger:     d.logger,
			Dispatcher: d.dispatcher,
			Provider:   provider,
			Policy:     d.policy,
		})
		if err != nil {
			releaseProvider(provider)
			openErr = fmt.Errorf("create device directory: %w", err)
			return
		}

		d.provider = provider
		d.directory = directory
		d.events = directory.Events().Subscribe(eventBufferSize)
	})
	if err == nil {
		err = openErr
	}
	if err != nil {
		d.logger.Errorw("Failed to open device directory", "error", err)
		d.dispatcher.Stop()
		return err
	}

	d.refreshView()

	d.logger.Info("Opened device directory")
	return nil
}

// Close tears down the directory and its OS resources
func (d *AudioDir) Close() error {
	if d.directory == nil {
		return nil
	}

	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), ownerCallTimeout)
	defer cancel()

	err := d.dispatcher.Invoke(ctx, func() {
		d.directory.Events().Unsubscribe(d.events)

		if err := d.directory.Close(); err != nil {
			errs = append(errs, err)
		}

		if err := d.policy.Release(); err != nil {
			errs = append(errs, err)
		}

		releaseProvider(d.provider)
		d.directory = nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("close directory: %w", err))
	}

	d.dispatcher.Stop()

	return errors.Join(errs...)
}

// WriteDeviceList prints every playback device, marking the defaults
func (d *AudioDir) WriteDeviceList(ctx context.Context, w io.Writer) error {
	entries, err := d.deviceEntries(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		marker := "  "
		switch {
		case entry.DefaultPlayback && entry.DefaultCommunications:
			marker = "*c"
		case entry.DefaultPlayback:
			marker = "* "
		case entry.DefaultCommunications:
			marker = " c"
		}

		if _, err := fmt.Fprintf(w, "%s %s\t%s\n", marker, entry.Name, entry.ID); err != nil {
			return fmt.Errorf("write device list: %w", err)
		}
	}

	return nil
}

// SetDefault asks the OS to make the device with the given id the default for role
func (d *AudioDir) SetDefault(ctx context.Context, id string, role devices.Role) error {
	var setErr error

	err := d.dispatcher.Invoke(ctx, func() {
		if d.directory == nil {
			setErr = errDirectoryClosed
			return
		}

		device, ok := d.directory.Device(id)
		if !ok {
			setErr = fmt.Errorf("device %s: %w", id, devices.ErrNotFound)
			return
		}

		switch role {
		case devices.RoleCommunications:
			setErr = d.directory.SetDefaultCommunicationsDevice(device)
		default:
			setErr = d.directory.SetDefaultPlaybackDevice(device)
		}
	})
	if err != nil {
		return fmt.Errorf("set default device: %w", err)
	}

	return setErr
}

// Initialize sets up components and starts to run in the background
func (d *AudioDir) Initialize() error {
	d.logger.Debug("Initializing")

	if err := util.CreateMutex(appName); err != nil {
		d.logger.Errorw("Failed to acquire instance mutex", "error", err)
		return fmt.Errorf("acquire instance mutex: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ownerCallTimeout)
	defer cancel()

	if err := d.Open(ctx); err != nil {
		return fmt.Errorf("open: %w", err)
	}

	d.setupInterruptHandler()

	if d.configMan.Current().DisableTray {
		d.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		d.run()
	} else {
		d.runningWithTray = true
		d.initializeTray(d.run)
	}

	return nil
}

func (d *AudioDir) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *AudioDir) run() {
	d.logger.Info("Run loop starting")

	go d.configMan.WatchConfigFileChanges()
	go d.handleEvents()
	go d.handleConfigReloads(d.configMan.SubscribeToChanges())

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop audiodir", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *AudioDir) signalStop() {
	d.stopOnce.Do(func() {
		d.logger.Debug("Signalling stop channel")
		close(d.stopChannel)
	})
}

func (d *AudioDir) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	if err := d.Close(); err != nil {
		d.logger.Errorw("Failed to close device directory", "error", err)
		return fmt.Errorf("close device directory: %w", err)
	}

	if d.runningWithTray {
		d.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}

func (d *AudioDir) handleEvents() {
	defer d.recoverFromPanic()

	for event := range d.events {
		switch e := event.(type) {
		case devices.DefaultPlaybackChanged:
			d.refreshView()
			d.onDefaultPlaybackChanged(e.Device != nil)

		case devices.DeviceAdded, devices.DeviceRemoved, devices.DeviceUpdated:
			d.refreshView()

		case devices.SessionCreated:
			// device fields belong to the owner goroutine, only the session is ours to read
			d.logger.Debugw("Audio session created", "session", e.Session.Key())
		}
	}

	d.logger.Debug("Event channel closed")
}

func (d *AudioDir) handleConfigReloads(reloaded chan bool) {
	for range reloaded {
		// hidden devices may have changed
		d.refreshView()
	}
}

func (d *AudioDir) onDefaultPlaybackChanged(hasDefault bool) {
	if !d.configMan.Current().NotifyOnDefaultChange {
		return
	}

	if !hasDefault {
		d.notifier.Notify("No playback device", "There is no default playback device right now.")
		return
	}

	d.notifier.Notify("Playback device changed", d.virtualDefaultName())
}

// refreshView re-reads the directory on the owner goroutine and updates the tray
func (d *AudioDir) refreshView() {
	// one at a time, so an older read never lands after a newer one
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ownerCallTimeout)
	defer cancel()

	var entries []deviceEntry
	var defaultName string

	err := d.dispatcher.Invoke(ctx, func() {
		if d.directory == nil {
			return
		}
		entries = d.entriesLocked()
		defaultName = d.directory.VirtualDefaultDevice().DisplayName()
	})
	if err != nil {
		d.logger.Warnw("Failed to read device directory", "error", err)
		return
	}

	d.viewMu.Lock()
	d.defaultName = defaultName
	tray := d.tray
	d.viewMu.Unlock()

	if tray != nil {
		tray.update(entries, defaultName, d.configMan.Current())
	}
}

func (d *AudioDir) deviceEntries(ctx context.Context) ([]deviceEntry, error) {
	var entries []deviceEntry

	err := d.dispatcher.Invoke(ctx, func() {
		if d.directory != nil {
			entries = d.entriesLocked()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("read device directory: %w", err)
	}

	return entries, nil
}

// entriesLocked must run on the owner goroutine
func (d *AudioDir) entriesLocked() []deviceEntry {
	playback := d.directory.DefaultPlaybackDevice()
	communications := d.directory.DefaultCommunicationsDevice()

	all := d.directory.Devices()
	entries := make([]deviceEntry, 0, len(all))
	for _, device := range all {
		entries = append(entries, deviceEntry{
			ID:                    device.ID(),
			Name:                  device.DisplayName(),
			DefaultPlayback:       device == playback,
			DefaultCommunications: device == communications,
		})
	}

	return entries
}

func (d *AudioDir) virtualDefaultName() string {
	d.viewMu.Lock()
	defer d.viewMu.Unlock()
	return d.defaultName
}

// requestDefault switches the playback default on behalf of the user
func (d *AudioDir) requestDefault(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), ownerCallTimeout)
	defer cancel()

	if err := d.SetDefault(ctx, id, devices.RoleMultimedia); err != nil {
		d.logger.Warnw("Failed to switch default playback device", "device", id, "error", err)
		d.notifier.Notify("Couldn't switch playback device", "Please check audiodir's logs for more details.")
		return
	}

	d.maybeShowAudioFlyout()
}

func (d *AudioDir) maybeShowAudioFlyout() {
	if !d.configMan.Current().AudioFlyout {
		return
	}

	d.flyoutMu.Lock()
	defer d.flyoutMu.Unlock()

	now := time.Now()
	if d.lastAudioFlyoutShown.Add(time.Second).After(now) {
		return
	}

	if err := showAudioFlyout(); err != nil {
		d.logger.Warnw("Failed to show audio flyout", "error", err)
		return
	}

	d.lastAudioFlyoutShown = now
}

func releaseProvider(provider devices.EndpointProvider) {
	if releaser, ok := provider.(interface{ Release() error }); ok {
		_ = releaser.Release()
	}
}
