// Package mideej provides a live, continuously-refreshed view of a machine's
// audio endpoints and per-process audio sessions: high-frequency peak
// metering, volume/mute control that never trusts a stale native handle, and
// logical mixing channels with solo/mute semantics.
package mideej

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/jimmyeao/Mideej-sub000/pkg/mideej/util"
)

// Mideej is the main entity managing all subcomponents
type Mideej struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager
	engine    *Engine

	runningWithTray bool
	stopChannel     chan bool
	version         string
	verbose         bool
}

func NewMideej(logger *zap.SugaredLogger, verbose bool) (*Mideej, error) {
	logger = logger.Named("mideej")

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

	d := &Mideej{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created mideej instance")

	return d, nil
}

func (d *Mideej) currConf() *Config {
	return &d.configMan.current
}

// Initialize sets up components and starts to run in the background
func (d *Mideej) Initialize() error {
	d.logger.Debug("Initializing")

	// load the config for the first time
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	engine, err := NewEngine(d.logger,
		func() bool { return d.currConf().AudioFlyout },
		d.currConf().ExclusiveAssignment)
	if err != nil {
		d.logger.Errorw("Failed to create engine", "error", err)
		return fmt.Errorf("create engine: %w", err)
	}
	d.engine = engine

	d.engine.SetPollInterval(d.currConf().PollIntervalMs)
	d.engine.StartMonitoring()

	d.relinkPersistedBindings()
	d.setupOnConfigReload()
	d.setupInterruptHandler()

	if d.currConf().DisableTray {
		d.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		d.run()
	} else {
		d.runningWithTray = true
		d.initializeTray(d.run)
	}

	return nil
}

// Engine exposes the session/metering core to external collaborators
func (d *Mideej) Engine() *Engine {
	return d.engine
}

// SetVersion causes mideej to add a version string to its tray menu if called before Initialize
func (d *Mideej) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether mideej is running in verbose mode
func (d *Mideej) Verbose() bool {
	return d.verbose
}

// relinkPersistedBindings rebinds channel assignments saved on a previous run
// against the freshly warmed-up snapshot, best effort
func (d *Mideej) relinkPersistedBindings() {
	persisted := d.currConf().ChannelBindings
	if len(persisted) == 0 {
		return
	}

	refs := make(map[int][]SessionRef, len(persisted))
	for channelKey, channelRefs := range persisted {
		number, err := strconv.Atoi(channelKey)
		if err != nil {
			d.logger.Warnw("Ignoring channel bindings under non-numeric key", "key", channelKey)
			continue
		}
		refs[number] = channelRefs
	}

	d.engine.Mixer().Relink(refs, d.engine.ActiveSessions())
}

func (d *Mideej) setupOnConfigReload() {
	configReloadedChannel := d.configMan.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			d.logger.Info("Detected config reload, applying engine settings")
			d.engine.SetPollInterval(d.currConf().PollIntervalMs)
			d.engine.Mixer().SetExclusiveAssignment(d.currConf().ExclusiveAssignment)
			d.engine.RefreshSessions(true)
		}
	}()
}

func (d *Mideej) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Mideej) run() {
	defer d.recoverFromPanic()

	d.logger.Info("Run loop starting")

	go d.configMan.WatchConfigFileChanges()

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop mideej", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *Mideej) signalStop() {
	d.logger.Debug("Signalling stop channel")
	d.stopChannel <- true
}

func (d *Mideej) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	// persist channel assignments for the next run before tearing down
	bindings := d.engine.Mixer().Bindings()
	persisted := make(map[string][]SessionRef, len(bindings))
	for number, refs := range bindings {
		persisted[strconv.Itoa(number)] = refs
	}
	if err := d.configMan.SaveChannelBindings(persisted); err != nil {
		d.logger.Warnw("Failed to persist channel bindings", "error", err)
	}

	d.engine.StopMonitoring()

	if d.runningWithTray {
		d.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}
