package progress

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Phase identifies which stage of a transfer an event belongs to.
type Phase string

const (
	PhaseEncrypt Phase = "encrypt"
	PhaseDecrypt Phase = "decrypt"
	PhaseFetch   Phase = "fetch"
	PhaseUpload  Phase = "upload"
)

// Event is a single progress report. Units are chunks for encrypt/decrypt
// and bytes for fetch/upload.
type Event struct {
	Phase     Phase
	Completed int64
	Total     int64
	// Aborted marks a phase that gave up before completion.
	Aborted bool
}

// Done reports whether the phase has finished, successfully or not.
func (e Event) Done() bool {
	return e.Aborted || e.Completed >= e.Total
}

// Percentage returns the integer completion percentage. An aborted phase
// reports 0 and an empty phase reports 100.
func (e Event) Percentage() int {
	switch {
	case e.Aborted:
		return 0
	case e.Total <= 0:
		return 100
	case e.Completed >= e.Total:
		return 100
	}
	return int(e.Completed * 100 / e.Total)
}

// Observer receives progress events.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Nop discards all events.
var Nop Observer = ObserverFunc(func(Event) {})

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop
	}
	return o
}

// Multi fans events out to several observers in order.
func Multi(observers ...Observer) Observer {
	var list []Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(e Event) {
		for _, o := range list {
			o.Observe(e)
		}
	})
}

// Recorder keeps every event it receives. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events, optionally filtered by phase.
func (r *Recorder) Events(phases ...Phase) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if len(phases) == 0 || containsPhase(phases, e.Phase) {
			out = append(out, e)
		}
	}
	return out
}

func containsPhase(phases []Phase, p Phase) bool {
	for _, candidate := range phases {
		if candidate == p {
			return true
		}
	}
	return false
}

// LogObserver logs phase completion at info level and intermediate steps at
// debug level. Intermediate percentages are only logged when they change.
type LogObserver struct {
	logger *logrus.Entry
	mu     sync.Mutex
	last   map[Phase]int
}

// NewLogObserver creates an observer that reports through logger.
func NewLogObserver(logger *logrus.Entry) *LogObserver {
	return &LogObserver{logger: logger, last: make(map[Phase]int)}
}

func (l *LogObserver) Observe(e Event) {
	pct := e.Percentage()
	l.mu.Lock()
	prev, seen := l.last[e.Phase]
	l.last[e.Phase] = pct
	l.mu.Unlock()

	fields := logrus.Fields{
		"phase":     e.Phase,
		"completed": e.Completed,
		"total":     e.Total,
		"percent":   pct,
	}
	switch {
	case e.Aborted:
		l.logger.WithFields(fields).Warn("Transfer phase aborted")
	case e.Done():
		l.logger.WithFields(fields).Info("Transfer phase completed")
	case !seen || prev != pct:
		l.logger.WithFields(fields).Debug("Transfer progress")
	}
}
