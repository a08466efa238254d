package notifier

import "fmt"

// Sensor is one of the four entities the device exposes.
type Sensor int

const (
	DownloadSpeed Sensor = iota
	UploadSpeed
	Latency
	BufferBloat
)

// Sensors lists every sensor in publishing order.
var Sensors = [...]Sensor{DownloadSpeed, UploadSpeed, Latency, BufferBloat}

// Key is the sensor's topic segment and its field in the state payload.
func (s Sensor) Key() string {
	switch s {
	case DownloadSpeed:
		return "download_speed"
	case UploadSpeed:
		return "upload_speed"
	case Latency:
		return "latency"
	case BufferBloat:
		return "buffer_bloat"
	}
	panic(fmt.Sprintf("notifier: unknown sensor %d", int(s)))
}

func (s Sensor) Name() string {
	switch s {
	case DownloadSpeed:
		return "Download Speed"
	case UploadSpeed:
		return "Upload Speed"
	case Latency:
		return "Latency"
	case BufferBloat:
		return "Buffer Bloat"
	}
	panic(fmt.Sprintf("notifier: unknown sensor %d", int(s)))
}

func (s Sensor) Unit() string {
	switch s {
	case DownloadSpeed, UploadSpeed:
		return "Mbit/s"
	case Latency, BufferBloat:
		return "ms"
	}
	panic(fmt.Sprintf("notifier: unknown sensor %d", int(s)))
}

func (s Sensor) Icon() string {
	switch s {
	case DownloadSpeed:
		return "mdi:download-network"
	case UploadSpeed:
		return "mdi:upload-network"
	case Latency:
		return "mdi:timer-outline"
	case BufferBloat:
		return "mdi:timer-sand"
	}
	panic(fmt.Sprintf("notifier: unknown sensor %d", int(s)))
}

// DeviceClass is nil for sensors Home Assistant has no class for.
func (s Sensor) DeviceClass() *string {
	switch s {
	case DownloadSpeed, UploadSpeed:
		dc := "data_rate"
		return &dc
	case Latency, BufferBloat:
		return nil
	}
	panic(fmt.Sprintf("notifier: unknown sensor %d", int(s)))
}

func (s Sensor) String() string { return s.Key() }
