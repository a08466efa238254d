package tester

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"speedtest-mqtt/pkg/models"
)

func f(v float64) *float64 { return &v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(context.Context, time.Duration) error { return nil }

// scriptedPage replays a fixed sequence of readings, one per Extract call.
type scriptedPage struct {
	ticks       []models.Reading
	extracted   int
	navigated   string
	navigateErr error
	extractErr  error
	closed      int
}

func (p *scriptedPage) Navigate(_ context.Context, url string) error {
	p.navigated = url
	return p.navigateErr
}

func (p *scriptedPage) Extract(context.Context) (models.Reading, error) {
	if p.extractErr != nil {
		return models.Reading{}, p.extractErr
	}
	if p.extracted >= len(p.ticks) {
		return models.Reading{}, errors.New("script exhausted")
	}
	r := p.ticks[p.extracted]
	p.extracted++
	return r, nil
}

func (p *scriptedPage) Close() error {
	p.closed++
	return nil
}

type fakeBrowser struct {
	page    *scriptedPage
	openErr error
}

func (b *fakeBrowser) Open(context.Context) (Page, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.page, nil
}

func newTestRunner(b Browser) *SessionRunner {
	return NewSessionRunner(b, "", &Sampler{Sleep: noSleep}, discardLogger())
}
