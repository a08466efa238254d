package tester

import (
	"context"
	"fmt"
	"time"

	"speedtest-mqtt/pkg/models"
)

// DefaultTickInterval is the pause between two page snapshots.
const DefaultTickInterval = 100 * time.Millisecond

// Extractor returns the page's current state.
type Extractor interface {
	Extract(ctx context.Context) (models.Reading, error)
}

// Sampler polls an Extractor until the page reports a terminal state and
// passes each new, useful reading to a callback.
type Sampler struct {
	Interval time.Duration
	// Sleep waits between ticks. Nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewSampler returns a Sampler ticking at DefaultTickInterval.
func NewSampler() *Sampler {
	return &Sampler{Interval: DefaultTickInterval}
}

// Sample runs the polling loop. A reading is emitted when it shows a
// positive download speed and differs from the previous tick's reading;
// the previous reading is replaced on every tick, emitted or not. The loop
// ends after the tick whose reading is done, or that shows an upload speed
// when measureUpload is false. It has no timeout of its own; only ctx ends
// it early. An error from emit stops the loop and is returned as is.
func (s *Sampler) Sample(ctx context.Context, src Extractor, measureUpload bool, emit func(models.Reading) error) error {
	var prev *models.Reading
	for {
		cur, err := src.Extract(ctx)
		if err != nil {
			return fmt.Errorf("%w: extract reading: %w", ErrAutomation, err)
		}

		if cur.HasDownload() && (prev == nil || !cur.Equal(*prev)) {
			if err := emit(cur); err != nil {
				return err
			}
		}
		prev = &cur

		if cur.IsDone || (!measureUpload && cur.HasUpload()) {
			return nil
		}

		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

func (s *Sampler) sleep(ctx context.Context) error {
	d := s.Interval
	if d <= 0 {
		d = DefaultTickInterval
	}
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
