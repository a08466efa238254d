package tester

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"speedtest-mqtt/pkg/models"
)

// Runner is the streaming side a Reducer consumes.
type Runner interface {
	Run(ctx context.Context, measureUpload bool, onReading func(models.Reading) error) error
}

// Reducer turns one session's reading stream into a single result.
type Reducer struct {
	runner Runner
	logger *slog.Logger
}

func NewReducer(runner Runner, logger *slog.Logger) *Reducer {
	return &Reducer{runner: runner, logger: logger.With("component", "reducer")}
}

// Measure runs one session and resolves the last reading it saw. The last
// reading replaces earlier ones; nothing is merged across readings.
func (m *Reducer) Measure(ctx context.Context, measureUpload bool) (models.MeasurementResult, error) {
	var last *models.Reading
	err := m.runner.Run(ctx, measureUpload, func(r models.Reading) error {
		last = &r
		m.logger.Debug("reading",
			"download", fmtOpt(r.DownloadSpeed), "upload", fmtOpt(r.UploadSpeed),
			"latency", fmtOpt(r.Latency), "buffer_bloat", fmtOpt(r.BufferBloat),
			"done", r.IsDone)
		return nil
	})
	if err != nil {
		return models.MeasurementResult{}, err
	}
	if last == nil {
		return models.MeasurementResult{}, fmt.Errorf("%w: no reading emitted", ErrIncompleteResult)
	}

	res, ok := models.NewMeasurementResult(*last)
	if !ok {
		return models.MeasurementResult{}, fmt.Errorf("%w: missing %s", ErrIncompleteResult, strings.Join(missingFields(*last), ", "))
	}
	return res, nil
}

func missingFields(r models.Reading) []string {
	var missing []string
	if r.DownloadSpeed == nil {
		missing = append(missing, "download speed")
	}
	if r.UploadSpeed == nil {
		missing = append(missing, "upload speed")
	}
	if r.Latency == nil {
		missing = append(missing, "latency")
	}
	if r.BufferBloat == nil {
		missing = append(missing, "buffer bloat")
	}
	return missing
}

func fmtOpt(v *float64) any {
	if v == nil {
		return "-"
	}
	return *v
}
