package recordlayer

import (
	"github.com/DeRuina/timberjack"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink is the explicit, threaded-through stand-in for the source's global
// error queue and trace output. Every Layer owns one. Besides structured
// logging it provides the mark / pop-to-mark / clear-mark savepoint
// discipline spec.md's Design Notes call for: diagnostics recorded while
// a cipher/MAC attempt is in flight are buffered, then either discarded
// (silent drop: the caller-visible world never learns the attempt
// happened) or committed (success: the buffered trace is kept).
type Sink struct {
	logger  *zap.Logger
	id      string
	metrics *metrics
}

// NewSink builds a Sink. A nil logger is replaced with a no-op logger, so
// diagnostics are always safe to use unconfigured. A nil registerer
// disables metrics entirely.
func NewSink(logger *zap.Logger, reg prometheus.Registerer) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Sink{
		logger:  logger.Named("dtls.recordlayer").With(zap.String("layer_id", id)),
		id:      id,
		metrics: newMetrics(reg),
	}
}

// NewRotatingFileSink builds a Sink whose logger writes JSON lines to a
// rotated log file, the way caddy pairs zap with a lumberjack-style
// rotator.
func NewRotatingFileSink(path string, reg prometheus.Registerer) *Sink {
	rotator := &timberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotator),
		zap.DebugLevel,
	)
	return NewSink(zap.New(core), reg)
}

func (s *Sink) debug(msg string, fields ...zap.Field) { s.logger.Debug(msg, fields...) }
func (s *Sink) warn(msg string, fields ...zap.Field)  { s.logger.Warn(msg, fields...) }
func (s *Sink) error(msg string, fields ...zap.Field) { s.logger.Error(msg, fields...) }

// logEntry is one buffered diagnostic recorded against an open savepoint.
type logEntry struct {
	level  zapcore.Level
	msg    string
	fields []zap.Field
}

// Savepoint buffers diagnostics recorded during a single decrypt/MAC
// attempt so they can be thrown away wholesale on the silent-drop path.
type Savepoint struct {
	sink    *Sink
	entries []logEntry
}

// Mark opens a savepoint: the caller-visible error queue (here, the
// logger) is quarantined from whatever gets recorded until Commit or
// Discard is called.
func (s *Sink) Mark() *Savepoint {
	return &Savepoint{sink: s}
}

// Record buffers a diagnostic without emitting it yet.
func (sp *Savepoint) Record(level zapcore.Level, msg string, fields ...zap.Field) {
	sp.entries = append(sp.entries, logEntry{level: level, msg: msg, fields: fields})
}

// Discard implements ERR_pop_to_mark: every diagnostic recorded since
// Mark is thrown away. Used on the silent-drop path so forged or
// malformed records never pollute the caller-visible diagnostic stream.
func (sp *Savepoint) Discard() {
	sp.entries = nil
}

// Commit implements ERR_clear_last_mark: the savepoint is closed and
// whatever was recorded is emitted to the real sink. Used on success.
func (sp *Savepoint) Commit() {
	for _, e := range sp.entries {
		sp.sink.logger.Check(e.level, e.msg).Write(e.fields...)
	}
	sp.entries = nil
}

// metrics are optional, nil-safe prometheus counters observing hostile
// and benign traffic outcomes at the record layer boundary.
type metrics struct {
	accepted  prometheus.Counter
	dropped   prometheus.Counter
	replayed  prometheus.Counter
	fatal     prometheus.Counter
	deferDepth prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dtls", Subsystem: "recordlayer", Name: "records_accepted_total",
			Help: "DTLS records that passed parsing, replay, and authentication.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dtls", Subsystem: "recordlayer", Name: "records_dropped_total",
			Help: "DTLS records silently discarded (malformed, unauthenticated, wrong version, etc).",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dtls", Subsystem: "recordlayer", Name: "records_replayed_total",
			Help: "DTLS records rejected by the replay window as duplicate or stale.",
		}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dtls", Subsystem: "recordlayer", Name: "records_fatal_total",
			Help: "DTLS records that triggered a fatal protocol alert.",
		}),
		deferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtls", Subsystem: "recordlayer", Name: "deferred_queue_depth",
			Help: "Current number of records buffered awaiting epoch transition or release.",
		}),
	}
	reg.MustRegister(m.accepted, m.dropped, m.replayed, m.fatal, m.deferDepth)
	return m
}

func (m *metrics) incAccepted() {
	if m != nil {
		m.accepted.Inc()
	}
}

func (m *metrics) incDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *metrics) incReplayed() {
	if m != nil {
		m.replayed.Inc()
	}
}

func (m *metrics) incFatal() {
	if m != nil {
		m.fatal.Inc()
	}
}

func (m *metrics) setDeferDepth(n int) {
	if m != nil {
		m.deferDepth.Set(float64(n))
	}
}
