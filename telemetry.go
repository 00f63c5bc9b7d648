package dnshield

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"howett.net/plist"
)

// Telemetry event types, per §6.
const (
	EventDNSQuery           = "dns_query"
	EventRuleUpdate         = "rule_update"
	EventCachePerformance   = "cache_performance"
	EventExtensionLifecycle = "extension_lifecycle"
	EventSecurityViolation  = "security_violation"
)

// Event is one flat map of fields emitted to the telemetry sink.
// EventType is always present; everything else is event-specific.
type Event map[string]interface{}

func newEvent(eventType string) Event {
	return Event{"event_type": eventType, "timestamp": time.Now()}
}

// TelemetryTransport performs the actual send of a batch of events; it is
// what an injected sink implementation wraps (HTTP endpoint, syslog,
// stdout, a test recorder).
type TelemetryTransport interface {
	Send(batch []Event) error
}

// TelemetrySink is the core's producer-consumer telemetry pipeline: many
// goroutines enqueue events via Emit; one flush loop drains the queue on
// a periodic timer, batches, and retries with exponential backoff. On
// Close, any buffered events are persisted to disk so they survive
// process shutdown and restart.
type TelemetrySink struct {
	transport   TelemetryTransport
	bufferPath  string
	flushEvery  time.Duration
	maxBatch    int
	maxRetries  int

	mu     sync.Mutex
	queue  []Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// TelemetrySinkOptions configures a TelemetrySink.
type TelemetrySinkOptions struct {
	Transport      TelemetryTransport
	BufferPath     string // persisted pending batch, e.g. telemetry_buffer.plist
	FlushInterval  time.Duration
	MaxBatchSize   int
	MaxSendRetries int
}

// NewTelemetrySink returns a sink; it reloads any buffer persisted by a
// previous process's Close before starting its flush loop.
func NewTelemetrySink(opt TelemetrySinkOptions) *TelemetrySink {
	if opt.FlushInterval <= 0 {
		opt.FlushInterval = 10 * time.Second
	}
	if opt.MaxBatchSize <= 0 {
		opt.MaxBatchSize = 100
	}
	if opt.MaxSendRetries <= 0 {
		opt.MaxSendRetries = 3
	}
	s := &TelemetrySink{
		transport:  opt.Transport,
		bufferPath: opt.BufferPath,
		flushEvery: opt.FlushInterval,
		maxBatch:   opt.MaxBatchSize,
		maxRetries: opt.MaxSendRetries,
		stopCh:     make(chan struct{}),
	}
	s.queue = s.loadBuffer()
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Emit enqueues event for the next flush. Safe for concurrent callers.
func (s *TelemetrySink) Emit(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
}

// EmitDNSQuery is a convenience wrapper building a dns_query event.
func (s *TelemetrySink) EmitDNSQuery(domain string, action string, qtype uint16, blocked bool, customMessage string) {
	e := newEvent(EventDNSQuery)
	e["domain"] = domain
	e["action"] = action
	e["qtype"] = qtype
	e["blocked"] = blocked
	if customMessage != "" {
		e["custom_message"] = customMessage
	}
	s.Emit(e)
}

func (s *TelemetrySink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *TelemetrySink) flush() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	if s.transport == nil {
		return
	}
	for len(pending) > 0 {
		n := s.maxBatch
		if n > len(pending) {
			n = len(pending)
		}
		batch := pending[:n]
		if err := s.sendWithRetry(batch); err != nil {
			Log.WithFields(map[string]interface{}{"err": err, "dropped": len(pending)}).Warn("telemetry flush failed after retries, requeueing")
			s.mu.Lock()
			s.queue = append(pending, s.queue...)
			s.mu.Unlock()
			return
		}
		pending = pending[n:]
	}
}

func (s *TelemetrySink) sendWithRetry(batch []Event) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries+1; attempt++ {
		if err := s.transport.Send(batch); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt <= s.maxRetries {
			time.Sleep(time.Duration(1<<uint(attempt-1)) * time.Second)
		}
	}
	return lastErr
}

// Close stops the flush loop and persists any buffered events to disk.
func (s *TelemetrySink) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.bufferPath == "" {
		return
	}
	b, err := plist.Marshal(s.queue, plist.XMLFormat)
	if err != nil {
		Log.WithFields(map[string]interface{}{"err": err}).Warn("failed to marshal telemetry buffer")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.bufferPath), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(s.bufferPath, b, 0o644); err != nil {
		Log.WithFields(map[string]interface{}{"err": err}).Warn("failed to persist telemetry buffer")
	}
}

func (s *TelemetrySink) loadBuffer() []Event {
	if s.bufferPath == "" {
		return nil
	}
	b, err := os.ReadFile(s.bufferPath)
	if err != nil {
		return nil
	}
	var events []Event
	if _, err := plist.Unmarshal(b, &events); err != nil {
		return nil
	}
	_ = os.Remove(s.bufferPath)
	return events
}

// NoopTransport discards every batch; used when no telemetry endpoint is
// configured but the core still wants an Emit target.
type NoopTransport struct{}

func (NoopTransport) Send(batch []Event) error { return nil }

var _ TelemetryTransport = NoopTransport{}
