// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package downloads

import (
	"sort"
	"sync"
	"time"
)

// speedSmoothing weights the newest sample in the moving average.
const speedSmoothing = 0.3

// Progress is the derived transfer progress of one download.
type Progress struct {
	ID                  string        `json:"id"`
	State               State         `json:"state"`
	BytesDownloaded     int64         `json:"bytes_downloaded"`
	EstimatedTotalBytes int64         `json:"estimated_total_bytes"`
	PercentComplete     float64       `json:"percent_complete"`
	BytesPerSecond      float64       `json:"bytes_per_second"`
	Remaining           time.Duration `json:"remaining"`
	// RemainingKnown is false until a speed and a total are both known.
	RemainingKnown bool `json:"remaining_known"`
}

// Summary aggregates every download seen by a ProgressMeter.
type Summary struct {
	Total               int     `json:"total"`
	Active              int     `json:"active"`
	Completed           int     `json:"completed"`
	Failed              int     `json:"failed"`
	BytesDownloaded     int64   `json:"bytes_downloaded"`
	EstimatedTotalBytes int64   `json:"estimated_total_bytes"`
	BytesPerSecond      float64 `json:"bytes_per_second"`
	// PercentComplete is byte weighted over downloads with a known total.
	PercentComplete float64 `json:"percent_complete"`
}

type meterEntry struct {
	progress Progress
	at       time.Time
}

// ProgressMeter derives speed and remaining time from successive records.
type ProgressMeter struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*meterEntry
}

// NewProgressMeter returns a meter. A nil now uses time.Now.
func NewProgressMeter(now func() time.Time) *ProgressMeter {
	if now == nil {
		now = time.Now
	}
	return &ProgressMeter{now: now, entries: make(map[string]*meterEntry)}
}

// Observe records a sample for r and returns the updated progress.
func (m *ProgressMeter) Observe(r Record) Progress {
	at := m.now()
	p := Progress{
		ID:                  r.ID,
		State:               r.State,
		BytesDownloaded:     r.BytesDownloaded,
		EstimatedTotalBytes: EstimateTotalBytes(r),
		PercentComplete:     r.PercentComplete,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entries[r.ID]
	if ok && r.State == StateDownloading {
		elapsed := at.Sub(prev.at).Seconds()
		delta := r.BytesDownloaded - prev.progress.BytesDownloaded
		switch {
		case delta < 0:
			// Restarted from scratch; old samples say nothing about the new transfer.
		case elapsed > 0:
			instant := float64(delta) / elapsed
			if prev.progress.BytesPerSecond > 0 {
				p.BytesPerSecond = speedSmoothing*instant + (1-speedSmoothing)*prev.progress.BytesPerSecond
			} else {
				p.BytesPerSecond = instant
			}
		default:
			p.BytesPerSecond = prev.progress.BytesPerSecond
		}
	}
	if r.State == StateDownloading && p.BytesPerSecond > 0 && p.EstimatedTotalBytes > 0 {
		left := max(p.EstimatedTotalBytes-p.BytesDownloaded, 0)
		p.Remaining = time.Duration(float64(left) / p.BytesPerSecond * float64(time.Second)).Round(time.Second)
		p.RemainingKnown = true
	}
	m.entries[r.ID] = &meterEntry{progress: p, at: at}
	return p
}

// Forget drops all samples for id.
func (m *ProgressMeter) Forget(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// Progress returns every tracked download ordered by ID.
func (m *ProgressMeter) Progress() []Progress {
	m.mu.Lock()
	out := make([]Progress, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.progress)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary aggregates the latest progress of all downloads.
func (m *ProgressMeter) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Summary
	var knownBytes int64
	for _, e := range m.entries {
		p := e.progress
		s.Total++
		switch p.State {
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateDownloading, StateQueued, StateRestarting:
			s.Active++
		}
		s.BytesDownloaded += p.BytesDownloaded
		s.BytesPerSecond += p.BytesPerSecond
		if p.EstimatedTotalBytes > 0 {
			s.EstimatedTotalBytes += p.EstimatedTotalBytes
			knownBytes += min(p.BytesDownloaded, p.EstimatedTotalBytes)
		}
	}
	if s.EstimatedTotalBytes > 0 {
		s.PercentComplete = float64(knownBytes) / float64(s.EstimatedTotalBytes) * 100
	}
	return s
}
