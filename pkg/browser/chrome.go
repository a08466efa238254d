// Package browser drives a headless Chrome through chromedp and exposes it as
// the automation collaborator used by the tester package.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/chromedp/chromedp"

	"speedtest-mqtt/pkg/models"
	"speedtest-mqtt/pkg/tester"
)

// extractScript reads the fast.com result widgets. Missing elements and
// empty or non-numeric text come back as null.
const extractScript = `(() => {
	const $ = (sel) => document.querySelector(sel);
	const text = (sel) => {
		const el = $(sel);
		if (!el) return null;
		const t = el.textContent.trim();
		return t === '' ? null : t;
	};
	const num = (sel) => {
		const t = text(sel);
		if (t === null) return null;
		const n = Number(t);
		return Number.isFinite(n) ? n : null;
	};
	return {
		downloadSpeed: num('#speed-value'),
		uploadSpeed: num('#upload-value'),
		downloadUnit: text('#speed-units'),
		downloaded: num('#down-mb-value'),
		uploadUnit: text('#upload-units'),
		uploaded: num('#up-mb-value'),
		latency: num('#latency-value'),
		bufferBloat: num('#bufferbloat-value'),
		userLocation: text('#user-location'),
		userIp: text('#user-ip'),
		isDone: Boolean($('#speed-value.succeeded') && $('#upload-value.succeeded')),
	};
})()`

// Chrome launches one browser process per session.
type Chrome struct {
	execPath string
	logger   *slog.Logger
}

// NewChrome returns a launcher for the browser at execPath. An empty path
// lets chromedp search the usual install locations.
func NewChrome(execPath string, logger *slog.Logger) *Chrome {
	return &Chrome{execPath: execPath, logger: logger.With("component", "browser")}
}

func (c *Chrome) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if c.execPath != "" {
		opts = append(opts, chromedp.ExecPath(c.execPath))
	}
	// Chrome refuses to start sandboxed as root, which is the norm in containers.
	if os.Geteuid() == 0 {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Open starts a fresh browser with its own profile and returns its first tab.
// The browser lives until Close or until ctx is done.
func (c *Chrome) Open(ctx context.Context) (tester.Page, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions()...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			c.logger.Debug("chromedp: " + fmt.Sprintf(format, args...))
		}),
	)

	// Running with no actions launches the process and attaches to the tab.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	c.logger.Debug("browser started", "exec_path", c.execPath)

	return &page{ctx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}, nil
}

type page struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Navigate and Extract run on the tab's own context, which already derives
// from the context passed to Open.
func (p *page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return chromedp.Run(p.ctx, chromedp.Navigate(url))
}

func (p *page) Extract(ctx context.Context) (models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return models.Reading{}, err
	}
	var r models.Reading
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(extractScript, &r)); err != nil {
		return models.Reading{}, err
	}
	return r, nil
}

func (p *page) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = chromedp.Cancel(p.ctx)
		p.cancelTab()
		p.cancelAlloc()
	})
	return p.closeErr
}
