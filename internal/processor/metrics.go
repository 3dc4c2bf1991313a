package processor

import "time"

type processingStats struct {
	processed      int64
	failed         int64
	dropped        int64
	batches        int64
	permitTimeouts int64
	totalTime      time.Duration
	lastDuration   time.Duration
	peakThroughput float64
	batchedTotal   int64
	adjustments    int
	minBatch       int
	maxBatch       int
}

type burstState struct {
	active      bool
	recovering  bool
	started     time.Time
	ended       time.Time
	recovery    time.Duration
	peak        float64
	memorySpike int64
	dropped     int64
}

// BufferStats describes buffer occupancy.
type BufferStats struct {
	CurrentSize int
	MaxSize     int
	Dropped     int64
	Utilization float64
}

// ProcessingMetrics describes batch throughput.
type ProcessingMetrics struct {
	ProcessedEvents   int64
	FailedEvents      int64
	Batches           int64
	PermitTimeouts    int64
	AvgBatchDuration  time.Duration
	LastBatchDuration time.Duration
	Throughput        float64
	PeakThroughput    float64
}

// BatchingMetrics describes how the batch size has moved.
type BatchingMetrics struct {
	CurrentBatchSize int
	AverageBatchSize float64
	MinBatchSize     int
	MaxBatchSize     int
	Adjustments      int
	BurstMode        bool
}

// BurstMetrics describes the current or most recent burst.
type BurstMetrics struct {
	Active         bool
	PeakThroughput float64
	MemorySpike    int64
	Duration       time.Duration
	RecoveryTime   time.Duration
	Recovering     bool
	Dropped        int64
}

func (p *Processor) recordBatch(n int, d time.Duration) {
	p.stats.processed += int64(n)
	p.stats.batchedTotal += int64(n)
	p.stats.totalTime += d
	p.stats.lastDuration = d

	if d > 0 {
		tput := float64(n) / d.Seconds()
		p.stats.peakThroughput = max(p.stats.peakThroughput, tput)
		if p.burst.active {
			p.burst.peak = max(p.burst.peak, tput)
		}
	}
}

// BufferStats returns buffer occupancy.
func (p *Processor) BufferStats() BufferStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := BufferStats{
		CurrentSize: len(p.buffer),
		MaxSize:     p.cfg.MaxBufferSize,
		Dropped:     p.stats.dropped,
	}
	if p.cfg.MaxBufferSize > 0 {
		s.Utilization = float64(len(p.buffer)) / float64(p.cfg.MaxBufferSize)
	}
	return s
}

// ProcessingMetrics returns throughput counters.
func (p *Processor) ProcessingMetrics() ProcessingMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := ProcessingMetrics{
		ProcessedEvents:   p.stats.processed,
		FailedEvents:      p.stats.failed,
		Batches:           p.stats.batches,
		PermitTimeouts:    p.stats.permitTimeouts,
		LastBatchDuration: p.stats.lastDuration,
		PeakThroughput:    p.stats.peakThroughput,
	}
	if p.stats.batches > 0 {
		m.AvgBatchDuration = p.stats.totalTime / time.Duration(p.stats.batches)
	}
	if p.stats.totalTime > 0 {
		m.Throughput = float64(p.stats.processed) / p.stats.totalTime.Seconds()
	}
	return m
}

// BatchingMetrics returns batch size statistics.
func (p *Processor) BatchingMetrics() BatchingMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := BatchingMetrics{
		CurrentBatchSize: p.batchSize,
		MinBatchSize:     p.stats.minBatch,
		MaxBatchSize:     p.stats.maxBatch,
		Adjustments:      p.stats.adjustments,
		BurstMode:        p.burst.active,
	}
	if p.stats.batches > 0 {
		m.AverageBatchSize = float64(p.stats.batchedTotal) / float64(p.stats.batches)
	}
	return m
}

// BurstMetrics returns statistics for the current or last burst.
func (p *Processor) BurstMetrics() BurstMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := BurstMetrics{
		Active:         p.burst.active,
		PeakThroughput: p.burst.peak,
		MemorySpike:    p.burst.memorySpike,
		RecoveryTime:   p.burst.recovery,
		Recovering:     p.burst.recovering,
		Dropped:        p.burst.dropped,
	}
	switch {
	case p.burst.started.IsZero():
	case p.burst.active:
		m.Duration = p.now().Sub(p.burst.started)
	default:
		m.Duration = p.burst.ended.Sub(p.burst.started)
	}
	return m
}
