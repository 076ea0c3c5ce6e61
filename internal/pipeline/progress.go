package pipeline

import (
	"fmt"
	"time"
)

// ProgressTracker turns element and byte counters into rates and an ETA
type ProgressTracker struct {
	totalBytes int64
	startTime  time.Time

	lastCount int64
	lastTime  time.Time
}

// NewProgressTracker creates a tracker for an input of totalBytes
func NewProgressTracker(totalBytes int64) *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		totalBytes: totalBytes,
		startTime:  now,
		lastTime:   now,
	}
}

// Progress holds current progress information
type Progress struct {
	Count      int64
	Bytes      int64
	Percentage float64
	Elapsed    time.Duration
	ETA        time.Duration
	Rate       float64 // elements per second since the previous sample
	AvgRate    float64 // elements per second since start
}

// Sample returns progress for the given element count and bytes read.
// It is not safe for concurrent use.
func (p *ProgressTracker) Sample(count, bytesRead int64) Progress {
	return p.sampleAt(time.Now(), count, bytesRead)
}

func (p *ProgressTracker) sampleAt(now time.Time, count, bytesRead int64) Progress {
	elapsed := now.Sub(p.startTime)
	prog := Progress{
		Count:   count,
		Bytes:   bytesRead,
		Elapsed: elapsed.Round(time.Second),
	}

	if p.totalBytes > 0 && bytesRead > 0 {
		prog.Percentage = float64(bytesRead) / float64(p.totalBytes) * 100
		if prog.Percentage > 100 {
			prog.Percentage = 100
		}
		if bytesRead < p.totalBytes && elapsed > 0 {
			remaining := float64(p.totalBytes-bytesRead) / (float64(bytesRead) / elapsed.Seconds())
			prog.ETA = (time.Duration(remaining) * time.Second).Round(time.Second)
		}
	}

	if s := elapsed.Seconds(); s > 0 {
		prog.AvgRate = float64(count) / s
	}
	if s := now.Sub(p.lastTime).Seconds(); s > 0 {
		prog.Rate = float64(count-p.lastCount) / s
	}
	p.lastCount, p.lastTime = count, now

	return prog
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats a rate as elements per second
func FormatThroughput(perSec float64) string {
	switch {
	case perSec >= 1_000_000:
		return fmt.Sprintf("%.1fM/s", perSec/1_000_000)
	case perSec >= 1_000:
		return fmt.Sprintf("%.1fK/s", perSec/1_000)
	}
	return fmt.Sprintf("%.0f/s", perSec)
}

// FormatBytes formats bytes in a human-readable format
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	}
	return fmt.Sprintf("%d B", bytes)
}
