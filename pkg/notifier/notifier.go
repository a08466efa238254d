// Package notifier publishes Home Assistant MQTT discovery configs and
// speed-test state for the four speed-test sensors.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"speedtest-mqtt/pkg/models"
)

// MinDownloadSpeed is the lowest download speed, in Mbit/s, that is
// trusted enough to publish.
const MinDownloadSpeed = 5.0

// Publisher is the part of the bus the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, retained bool, payload []byte) error
}

type deviceInfo struct {
	Name         string   `json:"name"`
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

type discoveryConfig struct {
	Name              string     `json:"name"`
	StateTopic        string     `json:"state_topic"`
	DeviceClass       *string    `json:"device_class"`
	StateClass        string     `json:"state_class"`
	UniqueID          string     `json:"unique_id"`
	ValueTemplate     string     `json:"value_template"`
	Icon              string     `json:"icon"`
	UnitOfMeasurement string     `json:"unit_of_measurement"`
	Device            deviceInfo `json:"device"`
}

// Notifier publishes on behalf of one device identity.
type Notifier struct {
	bus    Publisher
	id     Identity
	logger *slog.Logger
}

func New(bus Publisher, id Identity, logger *slog.Logger) *Notifier {
	return &Notifier{bus: bus, id: id, logger: logger.With("component", "notifier")}
}

// DiscoveryPayload renders the discovery config for s. The output only
// depends on the identity and s.
func (n *Notifier) DiscoveryPayload(s Sensor) ([]byte, error) {
	return json.Marshal(discoveryConfig{
		Name:              s.Name(),
		StateTopic:        n.id.StateTopic(),
		DeviceClass:       s.DeviceClass(),
		StateClass:        "measurement",
		UniqueID:          n.id.UniqueID(s),
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", s.Key()),
		Icon:              s.Icon(),
		UnitOfMeasurement: s.Unit(),
		Device: deviceInfo{
			Name:         "Speed Test",
			Identifiers:  []string{string(n.id)},
			Manufacturer: "Netflix",
			Model:        "fast.com",
		},
	})
}

// PublishDiscovery publishes the retained discovery config of one sensor.
func (n *Notifier) PublishDiscovery(ctx context.Context, s Sensor) error {
	payload, err := n.DiscoveryPayload(s)
	if err != nil {
		return fmt.Errorf("encode %s discovery: %w", s, err)
	}
	if err := n.bus.Publish(ctx, n.id.ConfigTopic(s), true, payload); err != nil {
		return err
	}
	n.logger.Debug("discovery published", "sensor", s.Key())
	return nil
}

// PublishAllDiscovery publishes every sensor's discovery config concurrently.
func (n *Notifier) PublishAllDiscovery(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range Sensors {
		g.Go(func() error { return n.PublishDiscovery(ctx, s) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	n.logger.Info("discovery published", "device", string(n.id), "sensors", len(Sensors))
	return nil
}

// PublishState publishes r to the shared state topic. A result with a
// download speed under MinDownloadSpeed is skipped, which reports false
// with a nil error.
func (n *Notifier) PublishState(ctx context.Context, r models.MeasurementResult) (bool, error) {
	if r.DownloadSpeed < MinDownloadSpeed {
		n.logger.Warn("download speed below threshold, not publishing",
			"download_speed", r.DownloadSpeed, "threshold", MinDownloadSpeed)
		return false, nil
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("encode state: %w", err)
	}
	if err := n.bus.Publish(ctx, n.id.StateTopic(), false, payload); err != nil {
		return false, err
	}
	n.logger.Info("state published",
		"download_speed", r.DownloadSpeed, "upload_speed", r.UploadSpeed,
		"latency", r.Latency, "buffer_bloat", r.BufferBloat)
	return true, nil
}
