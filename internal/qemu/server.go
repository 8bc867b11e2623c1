// Package qemu supervises one QEMU system-emulator process per guest. It owns
// argument construction, the ephemeral snapshot backing disk, and the child
// process lifecycle.
package qemu

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loopholelabs/logging/types"
	"golang.org/x/sys/unix"

	"github.com/tianofaux/tianofaux/pkg/arch"
)

var (
	errSignalKilled = errors.New("signal: killed")

	ErrKVMHostArchMismatch           = errors.New("KVM acceleration requires the guest architecture to match the host")
	ErrCouldNotCreateVMPathDirectory = errors.New("could not create VM path directory")
	ErrCouldNotCreateBackingDisk     = errors.New("could not create snapshot backing disk")
	ErrCouldNotCapturePipes          = errors.New("could not capture QEMU output pipes")
	ErrCouldNotStartQemuServer       = errors.New("could not start QEMU server")
	ErrNoQMPSocketCreated            = errors.New("no QMP socket created")
	ErrQemuExited                    = errors.New("QEMU exited")
)

const (
	// BackingDiskName is the ephemeral qcow2 image inside the guest root that
	// snapshot jobs write their vmstate to.
	BackingDiskName = "snapshot.qcow2"

	// BackingDiskNodeName is the block node name snapshot jobs address.
	BackingDiskNodeName = "snapdisk"

	defaultBackingDiskSizeMiB = 64
	socketWaitTimeout         = 10 * time.Second
)

type ServerConfig struct {
	Arch     arch.Architecture
	HostArch arch.Architecture

	// QemuBin and QemuImgBin must already be resolved against PATH.
	QemuBin    string
	QemuImgBin string

	MemorySizeMiB      int
	BackingDiskSizeMiB int
	EnableKVM          bool
	EnableVGA          bool

	FirmwarePath     string
	FirmwareVarsPath string // optional, needed for split OVMF builds

	VMPath        string
	QMPSocketPath string
	GDBPort       int
}

type Server struct {
	Conf  *ServerConfig
	VMPid int

	BackingDiskPath string

	log types.Logger

	cmd       *exec.Cmd
	stderr    io.ReadCloser
	stdout    io.ReadCloser
	closed    bool
	closeLock sync.Mutex

	cmdWg    sync.WaitGroup
	cmdErr   error
	cmdErrCh chan error

	exited   bool
	exitCode int
}

// args compiles the QEMU invocation. Networking stays disabled and a single
// vCPU is enough since the firmware only brings up the boot processor. The
// guest starts frozen (-S) so the canonical snapshot can be taken at the
// reset vector.
func (conf *ServerConfig) args(backingDiskPath string) []string {
	args := []string{
		"-net", "none",
		"-smp", "1",
		"-m", strconv.Itoa(conf.MemorySizeMiB) + "M",
		"-chardev", "stdio,id=char0,signal=off",
		"-serial", "chardev:char0",
		"-drive", "if=pflash,format=raw,readonly=on,file=" + conf.FirmwarePath,
		"-drive", "file=" + backingDiskPath + ",format=qcow2,if=virtio,node-name=" + BackingDiskNodeName,
		"-qmp", "unix:" + conf.QMPSocketPath + ",server,nowait",
		"-gdb", "tcp::" + strconv.Itoa(conf.GDBPort),
		"-S",
	}

	if conf.FirmwareVarsPath != "" {
		args = append(args, "-drive", "if=pflash,format=raw,file="+conf.FirmwareVarsPath)
	}

	if conf.EnableVGA {
		args = append(args, "-vga", "std")
	} else {
		args = append(args, "-display", "none")
	}

	if conf.EnableKVM {
		args = append(args, "-enable-kvm")
	} else {
		args = append(args, "-accel", "tcg")
	}

	return args
}

// StartServer validates the configuration, creates the snapshot backing disk
// and spawns exactly one QEMU child with its output streams captured. The
// call returns once the QMP socket exists or the child died trying.
func StartServer(ctx context.Context, log types.Logger, conf *ServerConfig) (*Server, error) {
	if conf.EnableKVM && conf.Arch != conf.HostArch {
		return nil, errors.Join(ErrKVMHostArchMismatch,
			errors.New("guest is "+conf.Arch.String()+" while host is "+conf.HostArch.String()))
	}

	server := &Server{
		Conf:     conf,
		log:      log,
		cmdErrCh: make(chan error, 1),
	}

	if err := os.MkdirAll(conf.VMPath, os.ModePerm); err != nil {
		return nil, errors.Join(ErrCouldNotCreateVMPathDirectory, err)
	}

	backingDiskSizeMiB := conf.BackingDiskSizeMiB
	if backingDiskSizeMiB <= 0 {
		backingDiskSizeMiB = defaultBackingDiskSizeMiB
	}

	server.BackingDiskPath = filepath.Join(conf.VMPath, BackingDiskName)
	if err := createBackingDisk(ctx, conf.QemuImgBin, server.BackingDiskPath, backingDiskSizeMiB); err != nil {
		return nil, err
	}

	server.cmd = exec.CommandContext(ctx, conf.QemuBin, conf.args(server.BackingDiskPath)...)

	// Don't forward CTRL-C etc. signals from parent to child process
	server.cmd.SysProcAttr = &unix.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	var err error
	server.stdout, err = server.cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Join(ErrCouldNotCapturePipes, err)
	}
	server.stderr, err = server.cmd.StderrPipe()
	if err != nil {
		return nil, errors.Join(ErrCouldNotCapturePipes, err)
	}

	if err := server.cmd.Start(); err != nil {
		return nil, errors.Join(ErrCouldNotStartQemuServer, err)
	}
	server.VMPid = server.cmd.Process.Pid

	// Serial output lands on stdout via the stdio chardev but has no consumer;
	// drain it so the guest never blocks on a full pipe buffer.
	go func() {
		_, _ = io.Copy(io.Discard, server.stdout)
	}()

	if log != nil {
		log.Debug().Int("VMPid", server.VMPid).Str("VMPath", conf.VMPath).Msg("Started QEMU server")
	}

	// Wait for the process to finish and report any error. `cmd.Wait` releases
	// resources after the first call, so everything funnels through here.
	server.cmdWg.Add(1)
	go func() {
		err := server.cmd.Wait()

		server.closeLock.Lock()
		server.exited = true
		server.exitCode = server.cmd.ProcessState.ExitCode()
		if err != nil && server.closed && err.Error() == errSignalKilled.Error() {
			// Don't treat killed errors as errors if we killed the process
			err = nil
		} else if err != nil {
			err = errors.Join(ErrQemuExited, err)
		}
		server.cmdErr = err
		server.closeLock.Unlock()

		server.cmdWg.Done()
		server.cmdErrCh <- err
	}()

	// If the context is cancelled, close the server. Cancelling the ctx on the
	// `exec.Command` only stops trying to start it.
	go func() {
		<-ctx.Done()

		if err := server.Close(); err != nil {
			if server.log != nil {
				server.log.Error().Err(err).Msg("could not close QEMU server after context cancellation")
			}
		}
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	waitCtx, waitCancel := context.WithTimeout(ctx, socketWaitTimeout)
	defer waitCancel()

	for {
		select {
		case <-waitCtx.Done():
			_ = server.Close()

			return nil, errors.Join(ErrNoQMPSocketCreated, waitCtx.Err())
		case err := <-server.cmdErrCh: // The child exited before creating its socket
			if err == nil {
				err = ErrQemuExited
			}

			return nil, err
		case <-ticker.C:
			if _, err := os.Stat(conf.QMPSocketPath); err != nil {
				continue
			}

			if log != nil {
				log.Info().Int("VMPid", server.VMPid).Msg("QEMU server up and ready")
			}

			return server, nil
		}
	}
}

// Stderr is the guest's captured diagnostic stream. The health monitor is its
// sole consumer.
func (s *Server) Stderr() io.ReadCloser {
	return s.stderr
}

// ExitCode returns the child's exit code once it has exited.
func (s *Server) ExitCode() (int, bool) {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()

	if !s.exited {
		return 0, false
	}

	return s.exitCode, true
}

// Alive reports whether the child process is still running.
func (s *Server) Alive() bool {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()

	return !s.exited
}

// Wait blocks until the child has exited and returns its terminal error, with
// intentional kills suppressed.
func (s *Server) Wait() error {
	s.cmdWg.Wait()

	s.closeLock.Lock()
	defer s.closeLock.Unlock()

	return s.cmdErr
}

// Close kills the child process and waits for it. Safe to call multiple
// times and from multiple goroutines.
func (s *Server) Close() error {
	if s.cmd.Process != nil {
		s.closeLock.Lock()

		// We can't trust `cmd.Process != nil` alone - without this check we
		// could get `os.ErrProcessDone` on the second `Kill()` call
		if !s.closed {
			s.closed = true
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.closeLock.Unlock()

				return err
			}
		}
		s.closeLock.Unlock()
	}

	return s.Wait()
}
