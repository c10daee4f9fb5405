package transfer

import (
	"time"
)

// Transfer stages reported alongside progress.
const (
	StageConverting   = "converting"
	StageTransferring = "transferring"
)

// FileProgress is the per-file progress record. A cancelled file keeps only
// its marker; the numeric fields stop being meaningful.
type FileProgress struct {
	FileIndex        int     `json:"file_index"`
	FileName         string  `json:"file_name,omitempty"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	Speed            float64 `json:"speed,omitempty"` // bytes per second
	Stage            string  `json:"stage,omitempty"`
	Cancelled        bool    `json:"cancelled,omitempty"`
	CancelledBy      string  `json:"cancelled_by,omitempty"`
}

// Percentage is the file's completion in [0, 100].
func (p FileProgress) Percentage() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.BytesTransferred) / float64(p.TotalBytes) * 100
}

// speedTracker derives instantaneous throughput from byte deltas between
// observations.
type speedTracker struct {
	lastTime  time.Time
	lastBytes int64
	speed     float64
}

func newSpeedTracker(now time.Time) *speedTracker {
	return &speedTracker{lastTime: now}
}

// Observe records the cumulative byte count and returns the current
// bytes-per-second estimate.
func (t *speedTracker) Observe(now time.Time, bytes int64) float64 {
	dt := now.Sub(t.lastTime).Seconds()
	if dt <= 0 {
		return t.speed
	}
	t.speed = float64(bytes-t.lastBytes) / dt
	t.lastTime = now
	t.lastBytes = bytes
	return t.speed
}
