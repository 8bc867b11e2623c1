// Package health watches a guest's captured diagnostic stream, classifies
// each line and drives teardown on fatal conditions.
package health

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/loopholelabs/logging/types"

	"github.com/tianofaux/tianofaux/pkg/utils"
)

var (
	ErrCouldNotWriteCrashReport = errors.New("could not write crash report")
)

const (
	DefaultContextLines = 64

	exitWaitTimeout  = 5 * time.Second
	exitPollInterval = 10 * time.Millisecond
)

type MonitorConfig struct {
	// Stream is the guest's captured error stream. Reading it is the
	// monitor's sole suspension point.
	Stream io.Reader

	// Classifier defaults to the marker heuristic.
	Classifier Classifier

	// ExitCode reports the guest process' exit code once it has exited.
	ExitCode func() (int, bool)

	// OnDegradation fires exactly once per monitor lifetime, before teardown.
	OnDegradation func()

	// Teardown initiates guest teardown. Called once on fatal classification
	// or clean exit, never after Stop.
	Teardown func()

	// CrashReportPath, if set, receives a gzip'd dump of the rolling context
	// buffer when a fatal condition is observed.
	CrashReportPath string

	// ContextLines bounds the rolling buffer kept for diagnostic replay.
	ContextLines int
}

// Monitor is a per-guest task with two states, monitoring and stopped. Once
// stopped it issues no further side effects.
type Monitor struct {
	log  types.Logger
	conf *MonitorConfig

	stopped        atomic.Bool
	degradation    sync.Once
	degraded       atomic.Bool
	teardown       sync.Once
	done           chan struct{}
	contextLinesMu sync.Mutex
	contextLines   []string
}

// StartMonitor attaches a monitor to a guest's diagnostic stream and begins
// consuming it. Cancel either by Stop or by closing the stream; both are safe
// while the monitor is blocked reading.
func StartMonitor(ctx context.Context, log types.Logger, conf *MonitorConfig) *Monitor {
	if conf.Classifier == nil {
		conf.Classifier = NewMarkerClassifier()
	}
	if conf.ContextLines <= 0 {
		conf.ContextLines = DefaultContextLines
	}

	monitor := &Monitor{
		log:  log,
		conf: conf,
		done: make(chan struct{}),
	}

	go monitor.run(ctx)

	return monitor
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	if m.log != nil {
		m.log.Info().Msg("Monitoring guest health")
	}

	scanner := bufio.NewScanner(m.conf.Stream)
	for scanner.Scan() {
		if m.stopped.Load() || ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		m.record(line)

		fatal := m.conf.Classifier.Classify(line) == ClassFatal
		if !fatal {
			if code, exited := m.exitCode(); exited && code != 0 {
				fatal = true
			}
		}

		if fatal {
			m.degrade()

			return
		}
	}

	if m.stopped.Load() || ctx.Err() != nil {
		return
	}

	if err := scanner.Err(); err != nil && !utils.IsClosedErr(err) {
		if m.log != nil {
			m.log.Error().Err(err).Msg("Guest diagnostic stream read failed")
		}
	}

	// End of stream. The write end closes at process exit, usually before the
	// exit code is recorded, so wait for it instead of misreading a crash as a
	// clean exit. A non-zero exit is still a degradation; otherwise the guest
	// exited cleanly and teardown proceeds without the callback.
	code, exited := m.awaitExit(ctx)

	if m.stopped.Load() || ctx.Err() != nil {
		return
	}

	if exited && code != 0 {
		m.degrade()

		return
	}

	if m.log != nil {
		m.log.Debug().Msg("Guest diagnostic stream ended cleanly")
	}

	m.runTeardown()
}

// Stop transitions the monitor to stopped. After Stop returns no callback or
// teardown will be issued, even if a read was in flight.
func (m *Monitor) Stop() {
	m.stopped.Store(true)
}

// Done is closed once the monitoring task has finished.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Degraded reports whether the monitor observed a fatal condition.
func (m *Monitor) Degraded() bool {
	return m.degraded.Load()
}

// ContextLines returns a copy of the rolling diagnostic buffer.
func (m *Monitor) ContextLines() []string {
	m.contextLinesMu.Lock()
	defer m.contextLinesMu.Unlock()

	return append([]string(nil), m.contextLines...)
}

func (m *Monitor) record(line string) {
	m.contextLinesMu.Lock()
	defer m.contextLinesMu.Unlock()

	m.contextLines = append(m.contextLines, line)
	if len(m.contextLines) > m.conf.ContextLines {
		m.contextLines = m.contextLines[len(m.contextLines)-m.conf.ContextLines:]
	}
}

func (m *Monitor) exitCode() (int, bool) {
	if m.conf.ExitCode == nil {
		return 0, false
	}

	return m.conf.ExitCode()
}

// awaitExit polls until the process exit has been recorded, the monitor is
// stopped, or the bounded wait elapses.
func (m *Monitor) awaitExit(ctx context.Context) (int, bool) {
	if m.conf.ExitCode == nil {
		return 0, false
	}

	deadline := time.Now().Add(exitWaitTimeout)

	for {
		if code, exited := m.conf.ExitCode(); exited {
			return code, true
		}

		if m.stopped.Load() || ctx.Err() != nil || time.Now().After(deadline) {
			return 0, false
		}

		time.Sleep(exitPollInterval)
	}
}

// degrade emits the buffered context, fires the degradation callback exactly
// once and initiates teardown.
func (m *Monitor) degrade() {
	m.degraded.Store(true)

	contextLines := m.ContextLines()

	if m.log != nil {
		m.log.Error().Str("context", strings.Join(contextLines, "\n")).Msg("Guest reported a fatal condition")
	}

	if m.conf.CrashReportPath != "" {
		if err := writeCrashReport(m.conf.CrashReportPath, contextLines); err != nil {
			if m.log != nil {
				m.log.Error().Err(err).Str("path", m.conf.CrashReportPath).Msg("Could not write crash report")
			}
		}
	}

	m.degradation.Do(func() {
		if m.conf.OnDegradation != nil {
			m.conf.OnDegradation()
		}
	})

	m.runTeardown()
}

func (m *Monitor) runTeardown() {
	m.teardown.Do(func() {
		if m.conf.Teardown != nil {
			m.conf.Teardown()
		}
	})
}

// writeCrashReport dumps the context buffer as a gzip'd artifact next to the
// guest's other files for later triage.
func writeCrashReport(path string, contextLines []string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Join(ErrCouldNotWriteCrashReport, err)
	}
	defer file.Close()

	writer := gzip.NewWriter(file)
	if _, err := writer.Write([]byte(strings.Join(contextLines, "\n") + "\n")); err != nil {
		_ = writer.Close()

		return errors.Join(ErrCouldNotWriteCrashReport, err)
	}
	if err := writer.Close(); err != nil {
		return errors.Join(ErrCouldNotWriteCrashReport, err)
	}

	return nil
}
