// Package guest ties one QEMU process, its health monitor, control channel,
// snapshot manager and debug session into a single supervised instance.
// Guests are shared-nothing: each owns its process, socket, job counter and
// debug port exclusively.
package guest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/loopholelabs/logging/types"

	"github.com/tianofaux/tianofaux/internal/qemu"
	"github.com/tianofaux/tianofaux/pkg/arch"
	"github.com/tianofaux/tianofaux/pkg/gdb"
	"github.com/tianofaux/tianofaux/pkg/health"
	"github.com/tianofaux/tianofaux/pkg/qmp"
	"github.com/tianofaux/tianofaux/pkg/snapshots"
)

var (
	ErrCouldNotCreateVMPath      = errors.New("could not create guest root directory")
	ErrCouldNotFindDebugPort     = errors.New("could not find a free debug-stub port")
	ErrCouldNotStartServer       = errors.New("could not start hypervisor")
	ErrCouldNotConnectChannel    = errors.New("could not connect control channel")
	ErrGuestNotRunning           = errors.New("guest is not running")
	ErrNoDebugSession            = errors.New("no debug session attached")
	ErrCouldNotRemoveSocket      = errors.New("could not remove control channel socket")
	ErrCouldNotRemoveBackingDisk = errors.New("could not remove snapshot backing disk")
)

const crashReportName = "crash-report.log.gz"

// Hooks subscribes a surrounding controller to guest events. Each hook fires
// at most once per guest lifetime.
type Hooks struct {
	// OnDegradation fires when the health monitor classifies a fatal
	// condition or observes a non-zero exit.
	OnDegradation func()

	// OnAnomaly fires when the fuzzing target itself misbehaves, as opposed
	// to the hypervisor degrading.
	OnAnomaly func()
}

type Config struct {
	Arch     arch.Architecture
	HostArch arch.Architecture

	QemuBin    string
	QemuImgBin string

	MemorySizeMiB int
	EnableKVM     bool
	EnableVGA     bool

	FirmwarePath     string
	FirmwareVarsPath string

	// VMPath is the guest's root working directory. It hosts the randomized
	// control socket and the ephemeral snapshot backing disk.
	VMPath string

	ConnectAttempts int
	ConnectBackoff  time.Duration

	GDBPortRangeStart int
	GDBPortRangeEnd   int

	Classifier health.Classifier

	Hooks Hooks
}

type Guest struct {
	id string

	log  types.Logger
	conf *Config

	state atomic.Int32

	server    *qemu.Server
	monitor   *health.Monitor
	client    *qmp.Client
	snapshots *snapshots.Manager
	debug     *gdb.Session

	qmpSocketPath string
	gdbPort       int

	anomaly      sync.Once
	shutdownLock sync.Mutex
	shutdownDone bool
}

// StartGuest brings one guest up: spawn the hypervisor frozen at the reset
// vector, attach the health monitor, connect the control channel with bounded
// retries and attach the debug session. If the control channel stays
// unreachable the already-spawned process is torn down before returning.
func StartGuest(ctx context.Context, log types.Logger, conf *Config) (*Guest, error) {
	guest := &Guest{
		id:   shortuuid.New(),
		log:  log,
		conf: conf,
	}
	guest.state.Store(int32(StateCreated))

	if log != nil {
		log.Info().Str("guestID", guest.id).Str("arch", conf.Arch.String()).Msg("Starting guest")
	}

	guest.advance(StateStarting)

	if err := os.MkdirAll(conf.VMPath, os.ModePerm); err != nil {
		return nil, errors.Join(ErrCouldNotCreateVMPath, err)
	}

	// The socket name carries a random suffix so concurrently running guests
	// never collide.
	guest.qmpSocketPath = filepath.Join(conf.VMPath, "qmp-"+guest.id+".sock")

	portRangeStart, portRangeEnd := conf.GDBPortRangeStart, conf.GDBPortRangeEnd
	if portRangeStart <= 0 {
		portRangeStart = gdb.DefaultPortRangeStart
	}
	if portRangeEnd <= 0 {
		portRangeEnd = gdb.DefaultPortRangeEnd
	}

	gdbPort, err := gdb.FindFreePort(portRangeStart, portRangeEnd)
	if err != nil {
		return nil, errors.Join(ErrCouldNotFindDebugPort, err)
	}
	guest.gdbPort = gdbPort

	guest.server, err = qemu.StartServer(ctx, log, &qemu.ServerConfig{
		Arch:     conf.Arch,
		HostArch: conf.HostArch,

		QemuBin:    conf.QemuBin,
		QemuImgBin: conf.QemuImgBin,

		MemorySizeMiB: conf.MemorySizeMiB,
		EnableKVM:     conf.EnableKVM,
		EnableVGA:     conf.EnableVGA,

		FirmwarePath:     conf.FirmwarePath,
		FirmwareVarsPath: conf.FirmwareVarsPath,

		VMPath:        conf.VMPath,
		QMPSocketPath: guest.qmpSocketPath,
		GDBPort:       gdbPort,
	})
	if err != nil {
		return nil, errors.Join(ErrCouldNotStartServer, err)
	}

	monitor := health.StartMonitor(ctx, log, &health.MonitorConfig{
		Stream:     guest.server.Stderr(),
		Classifier: conf.Classifier,
		ExitCode:   guest.server.ExitCode,
		OnDegradation: func() {
			guest.advance(StateDegraded)

			if conf.Hooks.OnDegradation != nil {
				conf.Hooks.OnDegradation()
			}
		},
		Teardown: func() {
			if err := guest.Shutdown(); err != nil {
				if log != nil {
					log.Error().Err(err).Str("guestID", guest.id).Msg("Guest teardown reported errors")
				}
			}
		},
		CrashReportPath: filepath.Join(conf.VMPath, crashReportName),
	})

	// The monitor's teardown path may call Shutdown at any point from here on,
	// so the remaining fields are published under the shutdown lock.
	guest.shutdownLock.Lock()
	guest.monitor = monitor
	guest.shutdownLock.Unlock()

	client, err := qmp.Connect(ctx, log, guest.qmpSocketPath, conf.ConnectAttempts, conf.ConnectBackoff)
	if err != nil {
		// The process was already spawned; it must not outlive this failure.
		_ = guest.Shutdown()

		return nil, errors.Join(ErrCouldNotConnectChannel, err)
	}

	guest.shutdownLock.Lock()
	if guest.shutdownDone {
		guest.shutdownLock.Unlock()
		_ = client.Close()

		return nil, ErrGuestNotRunning
	}
	guest.client = client
	guest.snapshots = snapshots.NewManager(log, client, qemu.BackingDiskNodeName)
	guest.shutdownLock.Unlock()

	// Debugging is advisory. Attach failure loses the session but keeps the
	// guest; pause/resume then fall back to the control channel.
	debug, err := gdb.Attach(ctx, log, gdbPort)
	if err != nil {
		if log != nil {
			log.Warn().Err(err).Str("guestID", guest.id).Int("port", gdbPort).Msg("Debug session unavailable")
		}
		debug = nil
	}

	if debug != nil {
		guest.shutdownLock.Lock()
		if guest.shutdownDone {
			guest.shutdownLock.Unlock()
			_ = debug.Detach()

			return nil, ErrGuestNotRunning
		}
		guest.debug = debug
		guest.shutdownLock.Unlock()
	}

	guest.advance(StateRunning)

	if log != nil {
		log.Info().Str("guestID", guest.id).Int("VMPid", guest.server.VMPid).Msg("Guest running")
	}

	return guest, nil
}

// advance moves the lifecycle state forward. Backward transitions are
// silently refused so racing writers cannot resurrect a dying guest.
func (g *Guest) advance(next State) {
	for {
		current := g.state.Load()
		if int32(next) <= current {
			return
		}
		if g.state.CompareAndSwap(current, int32(next)) {
			return
		}
	}
}

// ID returns the guest's shared-nothing instance identifier.
func (g *Guest) ID() string {
	return g.id
}

// State returns the guest's lifecycle state.
func (g *Guest) State() State {
	return State(g.state.Load())
}

// Alive reports whether the guest can be driven. The lifecycle state is the
// authoritative liveness signal; it is only advanced by the health monitor or
// the shutdown path.
func (g *Guest) Alive() bool {
	return g.State() == StateRunning && g.server.Alive()
}

// Pid returns the hypervisor process id.
func (g *Guest) Pid() int {
	return g.server.VMPid
}

// DebugPort returns the remote-debug stub port.
func (g *Guest) DebugPort() int {
	return g.gdbPort
}

// SaveSnapshot captures the guest's execution state under a tag. Liveness is
// checked immediately before the command is issued.
func (g *Guest) SaveSnapshot(ctx context.Context, tag string) error {
	if !g.Alive() {
		return ErrGuestNotRunning
	}

	return g.snapshots.Save(ctx, tag)
}

// LoadSnapshot rewinds execution to a previously saved tag without a reboot.
// The lifecycle state stays Running.
func (g *Guest) LoadSnapshot(ctx context.Context, tag string) error {
	if !g.Alive() {
		return ErrGuestNotRunning
	}

	return g.snapshots.Load(ctx, tag)
}

// Pause stops guest execution via the debug session, falling back to the
// control channel when no session is attached.
func (g *Guest) Pause(ctx context.Context) error {
	if !g.Alive() {
		return ErrGuestNotRunning
	}

	if g.debug != nil {
		return g.debug.Pause(ctx)
	}

	_, err := g.client.Execute(ctx, "stop", nil)

	return err
}

// Resume continues guest execution.
func (g *Guest) Resume(ctx context.Context) error {
	if !g.Alive() {
		return ErrGuestNotRunning
	}

	if g.debug != nil {
		return g.debug.Resume(ctx)
	}

	_, err := g.client.Execute(ctx, "cont", nil)

	return err
}

// Reset reboots the guest via the control channel. Unlike a snapshot load
// this goes through full firmware bring-up again, so it is the slow path.
func (g *Guest) Reset(ctx context.Context) error {
	if !g.Alive() {
		return ErrGuestNotRunning
	}

	_, err := g.client.Execute(ctx, "system_reset", nil)

	return err
}

// ReportAnomaly surfaces a misbehaving fuzzing target to the subscribed
// controller, at most once per guest lifetime.
func (g *Guest) ReportAnomaly() {
	g.anomaly.Do(func() {
		if g.conf.Hooks.OnAnomaly != nil {
			g.conf.Hooks.OnAnomaly()
		}
	})
}

// Shutdown tears the guest down best-effort: every step is attempted even if
// an earlier one fails, and step errors are collected rather than aborting
// the remainder. Safe to call multiple times and from the monitor's teardown
// path.
func (g *Guest) Shutdown() error {
	g.shutdownLock.Lock()
	defer g.shutdownLock.Unlock()

	if g.shutdownDone {
		return nil
	}
	g.shutdownDone = true

	g.advance(StateShuttingDown)

	if g.log != nil {
		g.log.Info().Str("guestID", g.id).Msg("Shutting down guest")
	}

	var errs error

	if g.debug != nil {
		if err := g.debug.Detach(); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	if g.monitor != nil {
		g.monitor.Stop()
	}

	if g.server != nil {
		if err := g.server.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	if g.client != nil {
		if err := g.client.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	if err := os.Remove(g.qmpSocketPath); err != nil && !os.IsNotExist(err) {
		errs = errors.Join(errs, ErrCouldNotRemoveSocket, err)
	}

	if g.server != nil {
		if err := os.Remove(g.server.BackingDiskPath); err != nil && !os.IsNotExist(err) {
			errs = errors.Join(errs, ErrCouldNotRemoveBackingDisk, err)
		}
	}

	g.advance(StateTerminated)

	if errs != nil && g.log != nil {
		g.log.Warn().Err(errs).Str("guestID", g.id).Msg("Guest teardown steps reported errors")
	}

	return errs
}
