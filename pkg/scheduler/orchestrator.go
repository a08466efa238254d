// Package scheduler owns the service lifecycle: bus connection, discovery,
// the first measurement and the recurring ones.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"speedtest-mqtt/pkg/models"
	"speedtest-mqtt/pkg/notifier"
)

// DefaultSchedule runs a measurement at the top of every hour.
const DefaultSchedule = "0 * * * *"

type Bus interface {
	OnMessage(h func(topic string, payload []byte))
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string) error
	Disconnect()
}

type Measurer interface {
	Measure(ctx context.Context, measureUpload bool) (models.MeasurementResult, error)
}

type Notifier interface {
	PublishAllDiscovery(ctx context.Context) error
	PublishState(ctx context.Context, r models.MeasurementResult) (bool, error)
}

// Observer is told about every measurement outcome. Optional.
type Observer interface {
	ObserveResult(r models.MeasurementResult, published bool, took time.Duration)
	ObserveFailure(took time.Duration)
}

type Config struct {
	Schedule      string
	MeasureUpload bool
}

type Orchestrator struct {
	bus      Bus
	notifier Notifier
	measurer Measurer
	observer Observer
	cfg      Config
	logger   *slog.Logger

	cron  *cron.Cron
	ctx   context.Context
	fatal chan error

	stopOnce sync.Once
}

func New(cfg Config, bus Bus, n Notifier, m Measurer, obs Observer, logger *slog.Logger) *Orchestrator {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Orchestrator{
		bus:      bus,
		notifier: n,
		measurer: m,
		observer: obs,
		cfg:      cfg,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		fatal: make(chan error, 1),
	}
}

// Start connects, publishes discovery, runs the first measurement, then
// subscribes to registry restarts and starts the schedule. Any bus error is
// returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx = ctx

	// Installed before the first publish so a status message racing with
	// startup is still seen.
	o.bus.OnMessage(o.handleMessage)

	if err := o.bus.Connect(ctx); err != nil {
		o.logger.Error("connecting to broker", "error", err)
		return err
	}
	if err := o.discover(ctx); err != nil {
		return err
	}
	if err := o.measure(ctx); err != nil {
		return err
	}

	if err := o.bus.Subscribe(ctx, notifier.StatusTopic); err != nil {
		o.logger.Error("subscribing to registry status", "error", err)
		return err
	}

	if _, err := o.cron.AddFunc(o.cfg.Schedule, o.scheduledRun); err != nil {
		return fmt.Errorf("schedule %q: %w", o.cfg.Schedule, err)
	}
	o.cron.Start()
	o.logger.Info("measurements scheduled", "schedule", o.cfg.Schedule)
	return nil
}

// Run starts the orchestrator and blocks until ctx is done or a bus failure
// happens in the background, which is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-o.fatal:
		return err
	}
}

// Shutdown stops the schedule and closes the bus. A measurement already
// running is not waited for. Safe to call more than once.
func (o *Orchestrator) Shutdown() {
	o.stopOnce.Do(func() {
		o.logger.Info("shutting down")
		o.cron.Stop()
		o.bus.Disconnect()
	})
}

func (o *Orchestrator) handleMessage(topic string, payload []byte) {
	if topic != notifier.StatusTopic {
		o.logger.Info("ignoring message on unknown topic", "topic", topic)
		return
	}
	o.logger.Info("registry status changed, republishing discovery", "status", string(payload))
	// Publishing from paho's callback goroutine would block its router.
	go func() {
		if err := o.discover(o.ctx); err != nil {
			o.fail(err)
		}
	}()
}

func (o *Orchestrator) discover(ctx context.Context) error {
	if err := o.notifier.PublishAllDiscovery(ctx); err != nil {
		o.logger.Error("publishing discovery", "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) scheduledRun() {
	if err := o.measure(o.ctx); err != nil {
		o.fail(err)
	}
}

// measure runs one measurement and publishes it. Measurement failures are
// logged and swallowed; only a publish failure is returned. The browser
// session is detached from ctx cancellation and runs to its own end.
func (o *Orchestrator) measure(ctx context.Context) error {
	start := time.Now()
	o.logger.Info("measurement started", "measure_upload", o.cfg.MeasureUpload)

	res, err := o.measurer.Measure(context.WithoutCancel(ctx), o.cfg.MeasureUpload)
	took := time.Since(start)
	if err != nil {
		o.logger.Error("measurement failed", "error", err, "took", took)
		if o.observer != nil {
			o.observer.ObserveFailure(took)
		}
		return nil
	}

	published, err := o.notifier.PublishState(ctx, res)
	if err != nil {
		o.logger.Error("publishing state", "error", err)
		return err
	}
	if o.observer != nil {
		o.observer.ObserveResult(res, published, took)
	}
	o.logger.Info("measurement finished", "took", took, "published", published)
	return nil
}

func (o *Orchestrator) fail(err error) {
	select {
	case o.fatal <- err:
	default:
	}
}
