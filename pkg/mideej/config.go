package mideej

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jimmyeao/Mideej-sub000/pkg/mideej/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	// holds state the engine persists on its own (channel bindings), kept
	// apart from the user-edited file
	internalConfig *viper.Viper

	current Config
}

type Config struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms"`

	ExclusiveAssignment bool `mapstructure:"exclusive_assignment"`

	AudioFlyout bool `mapstructure:"audio_flyout"`

	DisableTray bool `mapstructure:"disable_tray"`

	// persisted bound-session references per logical channel, relinked best
	// effort at startup
	ChannelBindings map[string][]SessionRef `mapstructure:"channel_bindings"`
}

const (
	userConfigFilepath     = "config.yaml"
	internalConfigFilepath = "preferences.yaml"

	userConfigName     = "config"
	internalConfigName = "preferences"

	userConfigPath = "."

	configType = "yaml"

	configKeyPollIntervalMs      = "poll_interval_ms"
	configKeyExclusiveAssignment = "exclusive_assignment"
	configKeyAudioFlyout         = "audio_flyout"
	configKeyChannelBindings     = "channel_bindings"
)

var internalConfigPath = path.Join(".", logDirectory)

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// distinguish between the user-provided config (config.yaml) and the internal config (logs/preferences.yaml)
	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyPollIntervalMs, 25)
	userConfig.SetDefault(configKeyExclusiveAssignment, true)
	userConfig.SetDefault(configKeyAudioFlyout, false)
	userConfig.SetDefault(configKeyChannelBindings, map[string][]SessionRef{})

	internalConfig := viper.New()
	internalConfig.SetConfigName(internalConfigName)
	internalConfig.SetConfigType(configType)
	internalConfig.AddConfigPath(internalConfigPath)

	cc.userConfig = userConfig
	cc.internalConfig = internalConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// the user config is optional for the engine; defaults cover everything
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debugw("Config file not found, using defaults", "path", userConfigFilepath)

		if err := cc.populateFromVipers(); err != nil {
			cc.logger.Warnw("Failed to populate config fields", "error", err)
			return fmt.Errorf("populate config fields: %w", err)
		}

		return nil
	}

	// load the user config
	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check mideej's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	// load the internal config - this doesn't have to exist, so it can error
	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read internal config", "error", err, "reminder", "this is fine")
	}

	// canonize the configuration with viper's helpers
	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"pollIntervalMs", cc.current.PollIntervalMs,
		"exclusiveAssignment", cc.current.ExclusiveAssignment)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				// and attempt reload if appropriate
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

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromVipers() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	// channel bindings saved by the engine live in the internal config and
	// take precedence over hand-edited ones
	if cc.internalConfig.IsSet(configKeyChannelBindings) {
		bindings := map[string][]SessionRef{}
		if err := cc.internalConfig.UnmarshalKey(configKeyChannelBindings, &bindings); err == nil {
			cc.current.ChannelBindings = bindings
		}
	}

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

// SaveChannelBindings persists the mixer's current bindings into the internal
// config so they survive restarts
func (cc *ConfigManager) SaveChannelBindings(bindings map[string][]SessionRef) error {
	if err := util.EnsureDirExists(internalConfigPath); err != nil {
		return fmt.Errorf("ensure internal config dir exists: %w", err)
	}

	cc.internalConfig.Set(configKeyChannelBindings, bindings)

	if err := cc.internalConfig.WriteConfigAs(path.Join(internalConfigPath, internalConfigFilepath)); err != nil {
		cc.logger.Warnw("Failed to write internal config", "error", err)
		return fmt.Errorf("write internal config: %w", err)
	}

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
