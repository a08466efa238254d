package tester

import (
	"context"
	"fmt"
	"log/slog"

	"speedtest-mqtt/pkg/models"
)

// DefaultURL is the speed-test page the session navigates to.
const DefaultURL = "https://fast.com"

// Page is one isolated automation session.
type Page interface {
	Extractor
	Navigate(ctx context.Context, url string) error
	Close() error
}

// Browser opens fresh automation sessions.
type Browser interface {
	Open(ctx context.Context) (Page, error)
}

// SessionRunner runs one speed test and streams its readings.
type SessionRunner struct {
	browser Browser
	url     string
	sampler *Sampler
	logger  *slog.Logger
}

// NewSessionRunner creates a runner for the page at url. An empty url means
// DefaultURL and a nil sampler means NewSampler().
func NewSessionRunner(browser Browser, url string, sampler *Sampler, logger *slog.Logger) *SessionRunner {
	if url == "" {
		url = DefaultURL
	}
	if sampler == nil {
		sampler = NewSampler()
	}
	return &SessionRunner{
		browser: browser,
		url:     url,
		sampler: sampler,
		logger:  logger.With("component", "session"),
	}
}

// Run opens a session, navigates to the speed-test page and samples it,
// calling onReading for every emitted reading. The session is closed exactly
// once however Run returns, including when onReading fails or panics.
func (r *SessionRunner) Run(ctx context.Context, measureUpload bool, onReading func(models.Reading) error) error {
	page, err := r.browser.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: launch browser: %w", ErrAutomation, err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			r.logger.Warn("closing browser session", "error", err)
		}
	}()

	r.logger.Debug("navigating", "url", r.url)
	if err := page.Navigate(ctx, r.url); err != nil {
		return fmt.Errorf("%w: navigate to %s: %w", ErrAutomation, r.url, err)
	}

	return r.sampler.Sample(ctx, page, measureUpload, onReading)
}
