package health

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerClassifier(t *testing.T) {
	classifier := NewMarkerClassifier()

	for _, line := range []string{
		"qemu-system-x86_64: Error: cannot load firmware",
		"ERROR: something broke",
		"Invalid pflash image",
		"KVM: cannot set up guest memory",
	} {
		assert.Equal(t, ClassFatal, classifier.Classify(line), line)
	}

	for _, line := range []string{
		"",
		"UEFI firmware starting",
		"BdsDxe: loading Boot0001",
	} {
		assert.Equal(t, ClassNormal, classifier.Classify(line), line)
	}
}

type monitorHarness struct {
	writer   *io.PipeWriter
	monitor  *Monitor
	degraded atomic.Int32
	tornDown atomic.Int32
}

func startHarness(t *testing.T, exitCode func() (int, bool), crashReportPath string) *monitorHarness {
	t.Helper()

	reader, writer := io.Pipe()

	h := &monitorHarness{writer: writer}
	h.monitor = StartMonitor(context.Background(), nil, &MonitorConfig{
		Stream:          reader,
		ExitCode:        exitCode,
		OnDegradation:   func() { h.degraded.Add(1) },
		Teardown:        func() { h.tornDown.Add(1) },
		CrashReportPath: crashReportPath,
		ContextLines:    4,
	})

	t.Cleanup(func() {
		_ = writer.Close()
	})

	return h
}

func (h *monitorHarness) write(t *testing.T, line string) {
	t.Helper()

	_, err := h.writer.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not finish")
	}
}

func TestFatalLineFiresDegradationOnce(t *testing.T) {
	crashReportPath := filepath.Join(t.TempDir(), "crash-report.log.gz")
	h := startHarness(t, nil, crashReportPath)

	h.write(t, "UEFI firmware starting")
	h.write(t, "qemu-system-x86_64: Error: guest misbehaved")

	waitDone(t, h.monitor)

	assert.Equal(t, int32(1), h.degraded.Load())
	assert.Equal(t, int32(1), h.tornDown.Load())
	assert.True(t, h.monitor.Degraded())

	// The crash report carries the buffered context.
	file, err := os.Open(crashReportPath)
	require.NoError(t, err)
	defer file.Close()

	gz, err := gzip.NewReader(file)
	require.NoError(t, err)
	report, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(report), "UEFI firmware starting")
	assert.Contains(t, string(report), "guest misbehaved")
}

func TestCleanExitSkipsDegradation(t *testing.T) {
	h := startHarness(t, func() (int, bool) { return 0, true }, "")

	h.write(t, "UEFI firmware starting")
	require.NoError(t, h.writer.Close())

	waitDone(t, h.monitor)

	assert.Equal(t, int32(0), h.degraded.Load())
	assert.Equal(t, int32(1), h.tornDown.Load())
	assert.False(t, h.monitor.Degraded())
}

func TestNonZeroExitIsFatal(t *testing.T) {
	h := startHarness(t, func() (int, bool) { return 1, true }, "")

	h.write(t, "some harmless line")
	require.NoError(t, h.writer.Close())

	waitDone(t, h.monitor)

	assert.Equal(t, int32(1), h.degraded.Load())
	assert.Equal(t, int32(1), h.tornDown.Load())
}

func TestNonZeroExitRecordedAfterStreamClose(t *testing.T) {
	// Stderr reaches EOF at process exit, before the wait goroutine records
	// the exit code. The degradation must still fire.
	start := time.Now()
	h := startHarness(t, func() (int, bool) {
		if time.Since(start) < 100*time.Millisecond {
			return 0, false
		}

		return 1, true
	}, "")

	h.write(t, "UEFI firmware starting")
	require.NoError(t, h.writer.Close())

	waitDone(t, h.monitor)

	assert.Equal(t, int32(1), h.degraded.Load())
	assert.Equal(t, int32(1), h.tornDown.Load())
}

func TestStopSuppressesSideEffects(t *testing.T) {
	h := startHarness(t, nil, "")

	h.write(t, "UEFI firmware starting")
	h.monitor.Stop()

	// Even a fatal line after Stop must not trigger anything. The monitor may
	// already have stopped reading, so the write must not block the test;
	// closing the writer unblocks it either way.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)

		_, _ = h.writer.Write([]byte("Error: too late\n"))
	}()

	waitDone(t, h.monitor)
	require.NoError(t, h.writer.Close())
	<-writeDone

	waitDone(t, h.monitor)

	assert.Equal(t, int32(0), h.degraded.Load())
	assert.Equal(t, int32(0), h.tornDown.Load())
}

func TestContextBufferIsBounded(t *testing.T) {
	h := startHarness(t, nil, "")

	for i := 0; i < 10; i++ {
		h.write(t, "line")
	}
	h.write(t, "Error: done")

	waitDone(t, h.monitor)

	assert.LessOrEqual(t, len(h.monitor.ContextLines()), 4)
}
