package domain

import "time"

// DownloadStatus is the state of one binary transfer.
type DownloadStatus string

const (
	DownloadQueued      DownloadStatus = "queued"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadPaused      DownloadStatus = "paused"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
)

// Terminal reports whether the transfer has settled.
func (s DownloadStatus) Terminal() bool {
	return s == DownloadCompleted || s == DownloadFailed
}

// Download is one binary transfer. Progress is derived from the byte counters.
type Download struct {
	ID                    string         `json:"id"`
	Engine                EngineKind     `json:"engine"`
	Version               string         `json:"version"`
	InstanceID            string         `json:"instanceId,omitempty"`
	Status                DownloadStatus `json:"status"`
	TotalBytes            int64          `json:"totalBytes"`
	DownloadedBytes       int64          `json:"downloadedBytes"`
	ThroughputBytesPerSec float64        `json:"throughputBytesPerSec"`
	Error                 string         `json:"error,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
}

// Progress returns the completed percentage in [0, 100].
func (d Download) Progress() int {
	if d.TotalBytes <= 0 {
		return 0
	}
	p := int(d.DownloadedBytes * 100 / d.TotalBytes)
	if p > 100 {
		return 100
	}
	return p
}

// DownloadOutcome tells a waiting party how a transfer settled.
type DownloadOutcome string

const (
	OutcomeCompleted DownloadOutcome = "completed"
	OutcomeFailed    DownloadOutcome = "failed"
	OutcomeCancelled DownloadOutcome = "cancelled"
)
