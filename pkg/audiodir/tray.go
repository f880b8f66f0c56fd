package audiodir

import (
	"sort"
	"sync"

	"fyne.io/systray"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/audiodir/pkg/audiodir/util"
)

const noDeviceTitle = "No playback device"

// trayMenu keeps one checkbox item per playback device under a parent item.
// systray can't reliably remove items, so devices that leave are hidden and
// shown again when they come back.
type trayMenu struct {
	logger   *zap.SugaredLogger
	parent   *systray.MenuItem
	onSelect func(id string)

	mu    sync.Mutex
	items map[string]*systray.MenuItem
}

// menuPlan is what an update has to do to the menu
type menuPlan struct {
	show []deviceEntry
	hide []string
}

// planMenu works out which device items should be visible and which hidden
func planMenu(entries []deviceEntry, known []string, conf Config) menuPlan {
	visible := funk.Filter(entries, func(entry deviceEntry) bool {
		return !conf.IsHidden(entry.ID)
	}).([]deviceEntry)

	visibleIDs := funk.Map(visible, func(entry deviceEntry) string { return entry.ID }).([]string)

	hide := funk.FilterString(known, func(id string) bool {
		return !funk.ContainsString(visibleIDs, id)
	})
	sort.Strings(hide)

	return menuPlan{show: visible, hide: hide}
}

func (t *trayMenu) update(entries []deviceEntry, defaultName string, conf Config) {
	title := defaultName
	if title == "" {
		title = noDeviceTitle
	}
	systray.SetTitle(title)
	systray.SetTooltip("audiodir: " + title)

	t.mu.Lock()
	defer t.mu.Unlock()

	plan := planMenu(entries, funk.Keys(t.items).([]string), conf)

	for _, id := range plan.hide {
		t.items[id].Hide()
	}

	for _, entry := range plan.show {
		item, ok := t.items[entry.ID]
		if !ok {
			item = t.parent.AddSubMenuItemCheckbox(entry.Name, entry.ID, entry.DefaultPlayback)
			t.items[entry.ID] = item
			go t.watchClicks(entry.ID, item)
		}

		item.SetTitle(entry.Name)
		if entry.DefaultPlayback {
			item.Check()
		} else {
			item.Uncheck()
		}
		item.Show()
	}

	if len(plan.show) == 0 {
		t.parent.Disable()
	} else {
		t.parent.Enable()
	}
}

func (t *trayMenu) watchClicks(id string, item *systray.MenuItem) {
	for range item.ClickedCh {
		t.logger.Infow("Device menu item clicked, switching default", "device", id)
		t.onSelect(id)
	}
}

func (d *AudioDir) initializeTray(onDone func()) {
	logger := d.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		icon := logoIconDataICO
		if util.Linux() {
			icon = logoIconData
		}
		systray.SetTemplateIcon(icon, icon)
		systray.SetTitle(appName)
		systray.SetTooltip(appName)

		playback := systray.AddMenuItem("Playback device", "Choose the default playback device")
		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")

		if d.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(d.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop audiodir and quit")

		d.viewMu.Lock()
		d.tray = &trayMenu{
			logger:   logger,
			parent:   playback,
			onSelect: d.requestDefault,
			items:    map[string]*systray.MenuItem{},
		}
		d.viewMu.Unlock()

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					d.signalStop()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "notepad.exe"
					if util.Linux() {
						editor = "xdg-open"
					}

					if err := util.OpenExternal(logger, editor, d.configMan.ConfigFileUsed()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		d.refreshView()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (d *AudioDir) stopTray() {
	d.logger.Debug("Quitting tray")
	systray.Quit()
}
