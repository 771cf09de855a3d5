package executor

import (
	"sync"
	"time"
)

// stallSignal is one threshold crossing reported by the monitor.
type stallSignal int

const (
	// stallWarned fires once when idle time crosses the warn threshold.
	stallWarned stallSignal = iota
	// stallGraced fires once when idle time crosses the kill threshold and
	// the grace window opens.
	stallGraced
	// stallRecovered fires when activity resumes after a warn or grace.
	stallRecovered
)

// stallThresholds are the idle-time boundaries for one run.
type stallThresholds struct {
	warn  time.Duration
	kill  time.Duration
	abort time.Duration // kill scaled by the grace multiplier
}

// stallMonitor watches output activity and escalates through warn, grace,
// and abort as the idle gap grows. Any activity resets the escalation.
// Abort is delegated to onAbort exactly once per silence; the monitor never
// terminates the run itself.
type stallMonitor struct {
	thresholds stallThresholds
	checkEvery time.Duration
	onSignal   func(sig stallSignal, idle time.Duration)
	onAbort    func(idle time.Duration)

	mu           sync.Mutex
	lastActivity time.Time
	warned       bool
	graced       bool
	aborted      bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newStallMonitor(th stallThresholds, checkEvery time.Duration, onSignal func(stallSignal, time.Duration), onAbort func(time.Duration)) *stallMonitor {
	return &stallMonitor{
		thresholds: th,
		checkEvery: checkEvery,
		onSignal:   onSignal,
		onAbort:    onAbort,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins sampling. The activity clock starts now.
func (m *stallMonitor) Start() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()

	go m.loop()
}

// Stop halts sampling and waits for the sampling goroutine to exit.
func (m *stallMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

// Touch records output activity. Resuming after a warn or grace emits a
// recovery signal and rearms both thresholds.
func (m *stallMonitor) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	recovered := (m.warned || m.graced) && !m.aborted
	m.warned = false
	m.graced = false
	m.mu.Unlock()

	if recovered && m.onSignal != nil {
		m.onSignal(stallRecovered, 0)
	}
}

func (m *stallMonitor) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *stallMonitor) check() {
	m.mu.Lock()
	idle := time.Since(m.lastActivity)

	switch {
	case m.aborted:
		m.mu.Unlock()
		return
	case idle >= m.thresholds.abort:
		m.aborted = true
		m.mu.Unlock()
		if m.onAbort != nil {
			m.onAbort(idle)
		}
	case idle >= m.thresholds.kill && !m.graced:
		m.graced = true
		m.mu.Unlock()
		if m.onSignal != nil {
			m.onSignal(stallGraced, idle)
		}
	case idle >= m.thresholds.warn && !m.warned:
		m.warned = true
		m.mu.Unlock()
		if m.onSignal != nil {
			m.onSignal(stallWarned, idle)
		}
	default:
		m.mu.Unlock()
	}
}
