// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package downloads

import (
	"math"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/ManuGH/xoffline/internal/config"
)

// EffectiveState is the classifier's view of a download.
type EffectiveState string

const (
	Usable   EffectiveState = "usable"
	Unusable EffectiveState = "unusable"
	// Pending covers every non-terminal raw state. The classifier does not
	// judge downloads that have not failed.
	Pending EffectiveState = "pending"
)

// Reason explains a verdict.
type Reason string

const (
	ReasonNativelyComplete          Reason = "natively_complete"
	ReasonRecoveredFromHighProgress Reason = "recovered_from_high_progress"
	ReasonInsufficientProgress      Reason = "insufficient_progress"
	ReasonInProgress                Reason = "in_progress"
)

// Verdict is the advisory result of Classify.
type Verdict struct {
	ID                  string         `json:"id"`
	RawState            State          `json:"raw_state"`
	EffectiveState      EffectiveState `json:"effective_state"`
	EstimatedTotalBytes int64          `json:"estimated_total_bytes"`
	Reason              Reason         `json:"reason"`
}

// Playable reports whether the download may be offered offline.
func (v Verdict) Playable() bool { return v.EffectiveState == Usable }

const (
	minPercentForEstimate = 5
	maxSizeDiscrepancy    = 0.10
)

// Policy holds the recovery thresholds. Both comparisons are strict.
type Policy struct {
	SegmentThreshold   float64  // percent, 0..100
	ByteThreshold      float64  // ratio, 0..1
	ManifestExtensions []string // lower case, with leading dot
}

// DefaultPolicy returns the thresholds tuned against real partial failures.
func DefaultPolicy() Policy {
	return Policy{
		SegmentThreshold:   85,
		ByteThreshold:      0.80,
		ManifestExtensions: []string{".mpd", ".m3u8"},
	}
}

// PolicyFromConfig builds a Policy from validated configuration.
func PolicyFromConfig(cfg config.HealthConfig) Policy {
	p := DefaultPolicy()
	p.SegmentThreshold = cfg.SegmentThreshold
	p.ByteThreshold = cfg.ByteThreshold
	if len(cfg.ManifestExtensions) > 0 {
		p.ManifestExtensions = slices.Clone(cfg.ManifestExtensions)
	}
	return p
}

// Classify judges r. It never touches the transfer engine and returns the
// same verdict for the same input.
//
// A failed download is recovered when it is manifest based and its progress
// is strictly above either threshold. The failure cause is not considered.
func Classify(p Policy, r Record) Verdict {
	v := Verdict{
		ID:                  r.ID,
		RawState:            r.State,
		EstimatedTotalBytes: EstimateTotalBytes(r),
	}
	switch r.State {
	case StateCompleted:
		v.EffectiveState, v.Reason = Usable, ReasonNativelyComplete
	case StateFailed:
		if p.recoverable(r) {
			v.EffectiveState, v.Reason = Usable, ReasonRecoveredFromHighProgress
		} else {
			v.EffectiveState, v.Reason = Unusable, ReasonInsufficientProgress
		}
	default:
		v.EffectiveState, v.Reason = Pending, ReasonInProgress
	}
	return v
}

func (p Policy) recoverable(r Record) bool {
	if !p.IsManifest(r.URI) {
		return false
	}
	if r.PercentComplete > p.SegmentThreshold {
		return true
	}
	return byteRatio(r) > p.ByteThreshold
}

// byteRatio relates downloaded bytes to the total implied by progress,
// not to the reported size. Without a progress estimate the ratio is zero.
func byteRatio(r Record) float64 {
	if r.PercentComplete < minPercentForEstimate || r.BytesDownloaded <= 0 {
		return 0
	}
	implied := float64(r.BytesDownloaded) / (r.PercentComplete / 100)
	return float64(r.BytesDownloaded) / implied
}

// EstimateTotalBytes reconciles the reported size with the size implied by
// progress. An unknown reported size is always replaced by the estimate. A
// known one is replaced only when the estimate is smaller by more than 10%;
// sizes are never revised upward. Returns UnknownLength when neither exists.
func EstimateTotalBytes(r Record) int64 {
	est, ok := estimateFromProgress(r)
	reported := r.ReportedTotalBytes
	if reported <= 0 {
		if ok {
			return est
		}
		return UnknownLength
	}
	if ok && est < reported && float64(reported-est)/float64(reported) > maxSizeDiscrepancy {
		return est
	}
	return reported
}

func estimateFromProgress(r Record) (int64, bool) {
	if r.PercentComplete < minPercentForEstimate || r.BytesDownloaded <= 0 {
		return 0, false
	}
	return int64(math.Round(float64(r.BytesDownloaded) / (r.PercentComplete / 100))), true
}

// IsManifest reports whether uri points at an adaptive streaming manifest.
func (p Policy) IsManifest(uri string) bool {
	ext := uriExt(uri)
	return ext != "" && slices.Contains(p.ManifestExtensions, ext)
}

func uriExt(uri string) string {
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(path.Ext(p))
}
