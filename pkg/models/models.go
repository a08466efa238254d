package models

import (
	"math"
	"strings"
)

// Reading is one snapshot of the speed-test page. Absent values are nil.
// JSON keys match what the in-page extraction script returns.
type Reading struct {
	DownloadSpeed *float64 `json:"downloadSpeed"`
	UploadSpeed   *float64 `json:"uploadSpeed"`
	DownloadUnit  *string  `json:"downloadUnit"`
	Downloaded    *float64 `json:"downloaded"`
	UploadUnit    *string  `json:"uploadUnit"`
	Uploaded      *float64 `json:"uploaded"`
	Latency       *float64 `json:"latency"`
	BufferBloat   *float64 `json:"bufferBloat"`
	UserLocation  *string  `json:"userLocation"`
	UserIP        *string  `json:"userIp"`
	IsDone        bool     `json:"isDone"`
}

// Equal reports whether r and o carry the same values field by field.
func (r Reading) Equal(o Reading) bool {
	return eqFloat(r.DownloadSpeed, o.DownloadSpeed) &&
		eqFloat(r.UploadSpeed, o.UploadSpeed) &&
		eqString(r.DownloadUnit, o.DownloadUnit) &&
		eqFloat(r.Downloaded, o.Downloaded) &&
		eqString(r.UploadUnit, o.UploadUnit) &&
		eqFloat(r.Uploaded, o.Uploaded) &&
		eqFloat(r.Latency, o.Latency) &&
		eqFloat(r.BufferBloat, o.BufferBloat) &&
		eqString(r.UserLocation, o.UserLocation) &&
		eqString(r.UserIP, o.UserIP) &&
		r.IsDone == o.IsDone
}

// HasDownload reports whether a positive download speed has been shown yet.
func (r Reading) HasDownload() bool {
	return r.DownloadSpeed != nil && *r.DownloadSpeed > 0
}

// HasUpload reports whether a positive upload speed has been shown yet.
func (r Reading) HasUpload() bool {
	return r.UploadSpeed != nil && *r.UploadSpeed > 0
}

// Complete reports whether every field a MeasurementResult needs is present.
func (r Reading) Complete() bool {
	return r.DownloadSpeed != nil && r.UploadSpeed != nil && r.Latency != nil && r.BufferBloat != nil
}

// MeasurementResult is the final outcome of one run. Speeds are in Mbit/s,
// latency and buffer bloat in milliseconds.
type MeasurementResult struct {
	DownloadSpeed float64 `json:"download_speed"`
	UploadSpeed   float64 `json:"upload_speed"`
	Latency       float64 `json:"latency"`
	BufferBloat   float64 `json:"buffer_bloat"`
}

// NewMeasurementResult builds a result from a complete Reading. The page
// reports loaded latency as buffer bloat; the unloaded latency is subtracted
// and the difference clamped at zero. ok is false when r is not Complete.
func NewMeasurementResult(r Reading) (MeasurementResult, bool) {
	if !r.Complete() {
		return MeasurementResult{}, false
	}
	return MeasurementResult{
		DownloadSpeed: ToMbps(*r.DownloadSpeed, deref(r.DownloadUnit)),
		UploadSpeed:   ToMbps(*r.UploadSpeed, deref(r.UploadUnit)),
		Latency:       *r.Latency,
		BufferBloat:   math.Max(*r.BufferBloat-*r.Latency, 0),
	}, true
}

// ToMbps converts a speed shown with unit into Mbit/s. Unknown or empty
// units are taken as Mbps.
func ToMbps(v float64, unit string) float64 {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "bps":
		return v / 1e6
	case "kbps":
		return v / 1e3
	case "gbps":
		return v * 1e3
	default:
		return v
	}
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
