// Package progress tracks per-stream transfer counters with rate and ETA
// estimates. A tracker has a single subscriber slot: updates are delivered
// synchronously to one callback, never buffered.
package progress

import (
	"sync"
	"time"
)

// Summary is the wire form of a tracker's state, keyed by entity URI in run
// output (for example destination+postgresql://analytics/public/leads).
type Summary struct {
	URI        string  `json:"uri"`
	Processed  int64   `json:"processed"`
	Total      int64   `json:"total"`
	Percent    float64 `json:"percent"`
	RateRPS    float64 `json:"rate_rps"`
	ETASeconds float64 `json:"eta_seconds"`
	Message    string  `json:"message,omitempty"`
}

// Callback receives a summary after every update. It runs on the caller's
// goroutine; keep it cheap.
type Callback func(Summary)

// Tracker counts processed records for one entity.
type Tracker struct {
	mu        sync.Mutex
	uri       string
	total     int64
	processed int64
	message   string
	started   time.Time
	callback  Callback

	now func() time.Time // test hook
}

// New creates a tracker for the given entity URI. A negative total means
// unknown (percent and ETA stay at zero).
func New(uri string, total int64) *Tracker {
	return &Tracker{
		uri:     uri,
		total:   total,
		started: time.Now(),
		now:     time.Now,
	}
}

// Subscribe sets the single callback slot, replacing any prior subscriber.
func (t *Tracker) Subscribe(cb Callback) {
	t.mu.Lock()
	t.callback = cb
	t.mu.Unlock()
}

// Update adds n processed records (or sets the absolute count when
// increment is false) and notifies the subscriber.
func (t *Tracker) Update(n int64, increment bool) {
	t.mu.Lock()
	if increment {
		t.processed += n
	} else {
		t.processed = n
	}
	var cb, summary = t.callback, t.summaryLocked()
	t.mu.Unlock()

	if cb != nil {
		cb(summary)
	}
}

// SetTotal replaces the expected total (used once a count query resolves).
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// Message attaches a human-readable status note and notifies the subscriber.
func (t *Tracker) Message(msg string) {
	t.mu.Lock()
	t.message = msg
	var cb, summary = t.callback, t.summaryLocked()
	t.mu.Unlock()

	if cb != nil {
		cb(summary)
	}
}

// Summary snapshots current counters.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summaryLocked()
}

func (t *Tracker) summaryLocked() Summary {
	var s = Summary{
		URI:       t.uri,
		Processed: t.processed,
		Total:     t.total,
		Message:   t.message,
	}
	if t.total > 0 {
		s.Percent = 100 * float64(t.processed) / float64(t.total)
	}
	var elapsed = t.now().Sub(t.started).Seconds()
	if elapsed > 0 && t.processed > 0 {
		s.RateRPS = float64(t.processed) / elapsed
		if t.total > t.processed {
			s.ETASeconds = float64(t.total-t.processed) / s.RateRPS
		}
	}
	return s
}
