package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const bytesPerMB = 1024 * 1024

// SystemMetrics holds one sample of host and process usage
type SystemMetrics struct {
	CPUPercent        float64 // system-wide, 0-100
	ProcessCPUPercent float64 // per core, exceeds 100 on multi-core
	IOWaitPercent     float64
	MemoryPercent     float64
	MemoryUsedMB      float64
	ProcessRSSMB      float64
	DiskReadMBps      float64
	DiskWriteMBps     float64
	Timestamp         time.Time
}

// FieldsFunc supplies extra fields logged with every sample
type FieldsFunc func() []zap.Field

// Collector periodically samples system metrics and logs them
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process
	fields   []FieldsFunc

	lastDisk     map[string]disk.IOCountersStat
	lastDiskTime time.Time
	lastCPU      *cpu.TimesStat

	mu   sync.RWMutex
	last *SystemMetrics
}

// NewCollector creates a new metrics collector
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Debug("Process metrics unavailable", zap.Error(err))
	}

	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
	}
}

// AddFields registers a source of extra fields for the sample log line
func (c *Collector) AddFields(fn FieldsFunc) {
	c.fields = append(c.fields, fn)
}

// Start samples until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first sample sets the disk and cpu baselines
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Last returns the most recent sample, or nil before the first one
func (c *Collector) Last() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Collect takes one sample and logs it
func (c *Collector) Collect() *SystemMetrics {
	m := &SystemMetrics{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	m.IOWaitPercent = c.ioWait()

	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			m.ProcessCPUPercent = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			m.ProcessRSSMB = float64(info.RSS) / bytesPerMB
		}
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vmem.UsedPercent
		m.MemoryUsedMB = float64(vmem.Used) / bytesPerMB
	}

	m.DiskReadMBps, m.DiskWriteMBps = c.diskRates(m.Timestamp)

	c.mu.Lock()
	c.last = m
	c.mu.Unlock()

	fields := []zap.Field{
		zap.String("sys_cpu", fmt.Sprintf("%.1f%%", m.CPUPercent)),
		zap.String("proc_cpu", fmt.Sprintf("%.1f%%", m.ProcessCPUPercent)),
		zap.String("iowait", fmt.Sprintf("%.1f%%", m.IOWaitPercent)),
		zap.String("mem", fmt.Sprintf("%.0f MB (%.1f%%)", m.MemoryUsedMB, m.MemoryPercent)),
		zap.String("rss", fmt.Sprintf("%.0f MB", m.ProcessRSSMB)),
		zap.String("disk_r", fmt.Sprintf("%.1f MB/s", m.DiskReadMBps)),
		zap.String("disk_w", fmt.Sprintf("%.1f MB/s", m.DiskWriteMBps)),
	}
	for _, fn := range c.fields {
		fields = append(fields, fn()...)
	}
	c.logger.Info("System metrics", fields...)

	return m
}

// ioWait returns the share of cpu time spent waiting for I/O since the
// previous call
func (c *Collector) ioWait() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	cur := times[0]
	prev := c.lastCPU
	c.lastCPU = &cur
	if prev == nil {
		return 0
	}

	total := (cur.User - prev.User) + (cur.System - prev.System) + (cur.Idle - prev.Idle) +
		(cur.Iowait - prev.Iowait) + (cur.Irq - prev.Irq) + (cur.Softirq - prev.Softirq) +
		(cur.Steal - prev.Steal)
	if total <= 0 {
		return 0
	}
	return (cur.Iowait - prev.Iowait) / total * 100
}

// diskRates returns read and write throughput since the previous call
func (c *Collector) diskRates(now time.Time) (readMBps, writeMBps float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0
	}
	prev, prevTime := c.lastDisk, c.lastDiskTime
	c.lastDisk, c.lastDiskTime = counters, now
	if prev == nil {
		return 0, 0
	}

	elapsed := now.Sub(prevTime).Seconds()
	if elapsed < 0.1 {
		return 0, 0
	}

	var read, write uint64
	for name, cur := range counters {
		last, ok := prev[name]
		if !ok {
			continue
		}
		// counters may wrap
		if cur.ReadBytes >= last.ReadBytes {
			read += cur.ReadBytes - last.ReadBytes
		}
		if cur.WriteBytes >= last.WriteBytes {
			write += cur.WriteBytes - last.WriteBytes
		}
	}
	return float64(read) / elapsed / bytesPerMB, float64(write) / elapsed / bytesPerMB
}
