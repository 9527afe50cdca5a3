// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package downloads judges whether downloads reported by a transfer engine
// can be offered for offline playback.
package downloads

import (
	"context"
	"fmt"
)

// UnknownLength marks a download whose server did not report a size.
const UnknownLength int64 = -1

// State is the raw transfer engine state of a download.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateRemoving    State = "removing"
	StateRestarting  State = "restarting"
	StateStopped     State = "stopped"
)

var states = []State{
	StateQueued, StateDownloading, StateCompleted, StateFailed,
	StateRemoving, StateRestarting, StateStopped,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range states {
		if s == known {
			return true
		}
	}
	return false
}

// Record is a snapshot of one download as reported by the transfer engine.
type Record struct {
	ID                 string  `json:"id"`
	URI                string  `json:"uri"`
	State              State   `json:"state"`
	BytesDownloaded    int64   `json:"bytes_downloaded"`
	ReportedTotalBytes int64   `json:"reported_total_bytes"`
	PercentComplete    float64 `json:"percent_complete"`
	LastError          string  `json:"last_error,omitempty"`
}

// Validate rejects records that cannot be classified.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("download record: id is required")
	}
	if !r.State.Valid() {
		return fmt.Errorf("download record %q: unknown state %q", r.ID, r.State)
	}
	if r.PercentComplete < 0 || r.PercentComplete > 100 {
		return fmt.Errorf("download record %q: percent_complete %v out of range [0,100]", r.ID, r.PercentComplete)
	}
	if r.BytesDownloaded < 0 {
		return fmt.Errorf("download record %q: negative bytes_downloaded", r.ID)
	}
	return nil
}

// AddRequest asks the transfer engine to start a download.
type AddRequest struct {
	ID      string
	URI     string
	Headers map[string]string
}

// Listener receives every record change. err is the engine's failure cause,
// if any.
type Listener func(rec Record, err error)

// TransferEngine is the download backend. Classification code only reads
// from it; the mutators are for callers acting on a verdict.
type TransferEngine interface {
	CurrentDownloads(ctx context.Context) ([]Record, error)
	// Subscribe registers l and returns a func that unregisters it.
	Subscribe(l Listener) (unsubscribe func())
	Add(ctx context.Context, req AddRequest) error
	Remove(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}
