package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tianofaux/tianofaux/pkg/arch"
	"github.com/tianofaux/tianofaux/pkg/fuzzer"
	"github.com/tianofaux/tianofaux/pkg/guest"
)

var ErrMissingFirmwareBinaryPath = errors.New("missing firmware binary path")

func main() {
	firmwareBinaryPath := flag.String("firmware-binary-path", "", "Path to the firmware binary to fuzz (e.g. an OVMF code image)")
	firmwareVariablesPath := flag.String("firmware-variables-path", "", "Path to a writable firmware variables image (leave empty to run without one)")

	architecture := flag.String("architecture", "x86_64", "Guest architecture (i386, x86_64, aarch64, riscv32, riscv64, ppc, ppc64)")

	vmMemory := flag.Int("vm-memory", 256, "Guest memory size (in MiB)")
	concurrentVMs := flag.Int("concurrent-vms", 1, "Number of concurrent guests to fuzz with")

	rounds := flag.Int("rounds", 5, "Number of fuzzing rounds to run")
	roundInterval := flag.Duration("round-interval", time.Second, "Time to let guests execute between snapshot resets")

	storagePath := flag.String("storage-path", "out/vms", "Directory to keep guest working directories in")

	disableKVM := flag.Bool("disable-kvm", false, "Whether to fall back to software emulation even if KVM is available")
	enableVGA := flag.Bool("enable-vga", false, "Whether to show the guests' VGA output in a window instead of running headless")

	logsPath := flag.String("logs-path", "", "File to also write logs to (leave empty for stderr only)")

	rawQemuBin := flag.String("qemu-bin", "", "QEMU system binary (leave empty to derive from the architecture)")
	rawQemuImgBin := flag.String("qemu-img-bin", "qemu-img", "qemu-img binary")

	metricsAddr := flag.String("metrics-addr", "", "Address to serve Prometheus metrics on (leave empty to disable)")

	debugLevel := flag.String("debug-level", "info", "Log level (trace, debug, info, warn, error)")

	flag.Parse()

	var logOutput io.Writer = os.Stderr
	if *logsPath != "" {
		logFile, err := os.OpenFile(*logsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			panic(err)
		}
		defer logFile.Close()

		logOutput = io.MultiWriter(os.Stderr, logFile)
	}

	log := logging.New(logging.Zerolog, "tianofaux", logOutput)
	switch *debugLevel {
	case "trace":
		log.SetLevel(types.TraceLevel)
	case "debug":
		log.SetLevel(types.DebugLevel)
	case "info":
		log.SetLevel(types.InfoLevel)
	case "warn":
		log.SetLevel(types.WarnLevel)
	case "error":
		log.SetLevel(types.ErrorLevel)
	}

	if *firmwareBinaryPath == "" {
		panic(ErrMissingFirmwareBinaryPath)
	}

	guestArch, err := arch.Resolve(*architecture)
	if err != nil {
		panic(err)
	}

	hostArch, err := arch.DetectHost()
	if err != nil {
		panic(err)
	}

	qemuBinName := *rawQemuBin
	if qemuBinName == "" {
		qemuBinName = guestArch.QemuBinary()
	}

	qemuBin, err := exec.LookPath(qemuBinName)
	if err != nil {
		panic(err)
	}

	qemuImgBin, err := exec.LookPath(*rawQemuImgBin)
	if err != nil {
		panic(err)
	}

	enableKVM := !*disableKVM && guestArch == hostArch
	if !enableKVM {
		log.Info().Msg("KVM disabled, guests run under software emulation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan os.Signal, 1)
	go func() {
		signal.Notify(done, os.Interrupt)

		<-done

		log.Info().Msg("Exiting gracefully")

		cancel()
	}()

	reg := prometheus.NewRegistry()
	metrics := fuzzer.NewMetrics(reg)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			log.Info().Str("addr", *metricsAddr).Msg("Serving metrics")

			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	log.Info().Msg("Tianofaux says Bonjour!")

	pool, err := fuzzer.StartPool(ctx, log, *concurrentVMs, *storagePath, func(ctx context.Context, vmPath string) (fuzzer.Instance, error) {
		return guest.StartGuest(ctx, log, &guest.Config{
			Arch:     guestArch,
			HostArch: hostArch,

			QemuBin:    qemuBin,
			QemuImgBin: qemuImgBin,

			MemorySizeMiB: *vmMemory,
			EnableKVM:     enableKVM,
			EnableVGA:     *enableVGA,

			FirmwarePath:     *firmwareBinaryPath,
			FirmwareVarsPath: *firmwareVariablesPath,

			VMPath: vmPath,

			Hooks: guest.Hooks{
				OnDegradation: func() {
					metrics.MetricDegradationsTotal.Inc()
				},
			},
		})
	}, metrics)
	if err != nil {
		panic(err)
	}
	defer pool.Shutdown()

	if err := pool.Run(ctx, *rounds, *roundInterval); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}

	pool.Summary()

	log.Info().Msg("Shutting down")
}
