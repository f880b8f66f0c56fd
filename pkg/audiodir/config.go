package audiodir

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	mu      sync.RWMutex
	current Config
}

type Config struct {
	DisableTray bool `mapstructure:"disable_tray"`

	NotifyOnDefaultChange bool `mapstructure:"notify_on_default_change"`

	// windows only: pop the volume flyout after switching from the tray
	AudioFlyout bool `mapstructure:"audio_flyout"`

	// linux only: empty means the default server
	PulseServer string `mapstructure:"pulse_server"`

	HiddenDevices []string `mapstructure:"hidden_devices"`
}

const (
	userConfigFilename = "config.yaml"
	userConfigName     = "config"
	configType         = "yaml"

	appName = "audiodir"

	configKeyDisableTray           = "disable_tray"
	configKeyNotifyOnDefaultChange = "notify_on_default_change"
	configKeyAudioFlyout           = "audio_flyout"
	configKeyPulseServer           = "pulse_server"
	configKeyHiddenDevices         = "hidden_devices"
)

// configPaths are searched in order, the first one holding a config file wins
var configPaths = []string{".", filepath.Join(xdg.ConfigHome, appName)}

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	return newConfig(logger, notifier, configPaths...)
}

func newConfig(logger *zap.SugaredLogger, notifier Notifier, paths ...string) (*ConfigManager, error) {
	logger = logger.Named("config")

	if len(paths) == 0 {
		return nil, errors.New("no config paths given")
	}

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	for _, path := range paths {
		userConfig.AddConfigPath(path)
	}

	userConfig.SetDefault(configKeyDisableTray, false)
	userConfig.SetDefault(configKeyNotifyOnDefaultChange, true)
	userConfig.SetDefault(configKeyAudioFlyout, false)
	userConfig.SetDefault(configKeyPulseServer, "")
	userConfig.SetDefault(configKeyHiddenDevices, []string{})

	cc.userConfig = userConfig

	logger.Debugw("Created config instance", "paths", paths)

	return cc, nil
}

// Current returns a copy of the last successfully loaded config
func (cc *ConfigManager) Current() Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	current := cc.current
	current.HiddenDevices = slices.Clone(cc.current.HiddenDevices)
	return current
}

// Load reads the config file. A missing file is not an error, the defaults apply.
func (cc *ConfigManager) Load() error {
	cc.logger.Debug("Loading config")

	if err := cc.userConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError

		switch {
		case errors.As(err, &notFound):
			cc.logger.Infow("Config file not found, using defaults", "filename", userConfigFilename)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		case strings.Contains(err.Error(), "yaml:"):
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilename))
			return fmt.Errorf("read user config: %w", err)

		default:
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			cc.notifier.Notify("Error loading configuration!", "Please check audiodir's logs for more details.")
			return fmt.Errorf("read user config: %w", err)
		}
	}

	// canonize the configuration with viper's helpers
	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"path", cc.userConfig.ConfigFileUsed(),
		"disableTray", current.DisableTray,
		"notifyOnDefaultChange", current.NotifyOnDefaultChange,
		"pulseServer", current.PulseServer,
		"hiddenDevices", current.HiddenDevices)

	return nil
}

// ConfigFileUsed returns the path of the loaded config file, or where a new one would go
func (cc *ConfigManager) ConfigFileUsed() string {
	if used := cc.userConfig.ConfigFileUsed(); used != "" {
		return used
	}

	return userConfigFilename
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	if cc.userConfig.ConfigFileUsed() == "" {
		cc.logger.Debug("No config file loaded, not watching for changes")
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.userConfig.ConfigFileUsed())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) {
			return
		}

		now := time.Now()

		// many editors write to a file twice
		if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).After(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// wait a bit to let the editor actually flush the new file contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	next.HiddenDevices = normalizeDeviceIDs(next.HiddenDevices)

	cc.mu.Lock()
	cc.current = next
	cc.mu.Unlock()

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		// a consumer that hasn't caught up will see the latest config anyway
		select {
		case consumer <- true:
		default:
		}
	}
}

// IsHidden reports whether the user asked to keep a device out of the tray
func (c Config) IsHidden(id string) bool {
	return funk.ContainsString(c.HiddenDevices, id)
}

// normalizeDeviceIDs trims, drops empties and dedupes while keeping order
func normalizeDeviceIDs(ids []string) []string {
	trimmed := funk.Map(ids, strings.TrimSpace).([]string)
	nonEmpty := funk.FilterString(trimmed, func(id string) bool { return id != "" })

	return funk.UniqString(nonEmpty)
}
