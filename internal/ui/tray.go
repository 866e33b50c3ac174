// Package ui runs the desktop tray menu.
package ui

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/heimdex/heimdex-labeler/internal/catalog"
	"github.com/heimdex/heimdex-labeler/internal/session"
)

const refreshInterval = 2 * time.Second

type Tray struct {
	session *session.Session
	runner  *catalog.Runner
	url     string
	logger  *slog.Logger

	statusItem *systray.MenuItem
	framesItem *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu sync.Mutex

	onQuit func()
}

type TrayConfig struct {
	Session *session.Session
	Runner  *catalog.Runner
	URL     string
	Logger  *slog.Logger
	OnQuit  func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		session: cfg.Session,
		runner:  cfg.Runner,
		url:     cfg.URL,
		logger:  cfg.Logger.With("component", "tray"),
		onQuit:  cfg.OnQuit,
	}
}

// Run blocks on the platform event loop until Quit.
func (t *Tray) Run(ctx context.Context) {
	systray.Run(func() { t.onReady(ctx) }, t.onExit)
}

func (t *Tray) onReady(ctx context.Context) {
	systray.SetIcon(trayIcon)
	systray.SetTitle("Labeler")
	systray.SetTooltip("Heimdex Labeler")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Labeler status")
	t.statusItem.Disable()

	t.framesItem = systray.AddMenuItem("Frames: 0", "Frames in the working set")
	t.framesItem.Disable()

	systray.AddSeparator()

	openItem := systray.AddMenuItem("Show Web UI Address", t.url)
	t.pauseItem = systray.AddMenuItem("Pause", "Pause queued jobs")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Heimdex Labeler")

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				systray.Quit()
				return
			case <-ticker.C:
				t.refresh()
			case <-openItem.ClickedCh:
				t.logger.Info("labeler web UI", "url", t.url)
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready", "url", t.url)
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runner == nil {
		return
	}

	if t.runner.IsPaused() {
		t.runner.Resume()
		t.pauseItem.SetTitle("Pause")
	} else {
		t.runner.Pause()
		t.pauseItem.SetTitle("Resume")
	}
	t.refreshLocked()
}

func (t *Tray) refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked()
}

func (t *Tray) refreshLocked() {
	paused := t.runner != nil && t.runner.IsPaused()
	store := t.session.Store()
	t.statusItem.SetTitle("Status: " + statusText(t.session.IsProcessing(), paused, t.session.Detector().Ready()))
	t.framesItem.SetTitle(framesText(store.Len(), len(store.Marked())))
}

func statusText(processing, paused, ready bool) string {
	switch {
	case processing:
		return "Processing"
	case !ready:
		return "Loading model"
	case paused:
		return "Paused"
	}
	return "Idle"
}

func framesText(frames, marked int) string {
	if marked == 0 {
		return fmt.Sprintf("Frames: %d", frames)
	}
	return fmt.Sprintf("Frames: %d (%d marked)", frames, marked)
}

var trayIcon = renderIcon(22)

// renderIcon draws a bounding-box glyph: a frame border with a corner tab.
func renderIcon(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	ink := color.NRGBA{R: 0x2e, G: 0xb8, B: 0x72, A: 0xff}
	inset := size / 6
	for i := inset; i < size-inset; i++ {
		for _, w := range []int{0, 1} {
			img.Set(i, inset+w, ink)
			img.Set(i, size-inset-1-w, ink)
			img.Set(inset+w, i, ink)
			img.Set(size-inset-1-w, i, ink)
		}
	}
	for y := inset; y < inset+size/4; y++ {
		for x := inset; x < inset+size/3; x++ {
			img.Set(x, y, ink)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
