// Package fuzzer owns the set of guest instances and drives the repeated
// snapshot-reset fuzzing campaign across them.
package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	"github.com/loopholelabs/logging/types"
	"github.com/muesli/gotable"
)

var (
	ErrCouldNotCreateStorageDirectory = errors.New("could not create storage directory")
	ErrCouldNotCreateGuestDirectory   = errors.New("could not create guest working directory")
	ErrCouldNotStartGuest             = errors.New("could not start guest")
	ErrCouldNotCaptureResetSnapshot   = errors.New("could not capture reset snapshot")
	ErrCouldNotResumeGuest            = errors.New("could not resume guest")
	ErrNoLiveGuests                   = errors.New("no live guests remain")
)

// ResetTag names the canonical snapshot taken while the guest sits halted at
// its earliest entry point, before any boot code runs. Loading it rewinds a
// guest in well under a second, no reboot needed.
const ResetTag = "reset_vector"

// Instance is the slice of a guest the coordinator drives. It exists so
// campaign logic stays testable against stubs.
type Instance interface {
	ID() string
	Alive() bool
	SaveSnapshot(ctx context.Context, tag string) error
	LoadSnapshot(ctx context.Context, tag string) error
	Resume(ctx context.Context) error
	Shutdown() error
}

// StartFunc brings up one guest rooted at the given working directory.
type StartFunc func(ctx context.Context, vmPath string) (Instance, error)

// Pool owns the guest collection. The collection is mutated only by the
// coordinator itself and only between rounds, never while a round's I/O is in
// flight.
type Pool struct {
	log     types.Logger
	metrics *Metrics

	guests []Instance

	// Campaign bookkeeping for the final summary; keyed by instance id.
	all      []Instance
	resets   map[string]uint64
	resetsMu sync.Mutex

	vmPaths []string
}

// StartPool creates n guest working directories under storagePath and brings
// up n guests concurrently. Every guest is started halted at the reset
// vector, has the canonical snapshot captured there, and is then resumed. If
// any guest fails to come up the already-started ones are shut down again.
func StartPool(ctx context.Context, log types.Logger, count int, storagePath string, start StartFunc, metrics *Metrics) (*Pool, error) {
	pool := &Pool{
		log:     log,
		metrics: metrics,
		resets:  map[string]uint64{},
	}

	if err := os.MkdirAll(storagePath, os.ModePerm); err != nil {
		return nil, errors.Join(ErrCouldNotCreateStorageDirectory, err)
	}

	instances := make([]Instance, count)

	err := func() (errs error) {
		goroutineManager := manager.NewGoroutineManager(
			ctx,
			&errs,
			manager.GoroutineManagerHooks{},
		)
		defer goroutineManager.Wait()
		defer goroutineManager.StopAllGoroutines()
		defer goroutineManager.CreateBackgroundPanicCollector()()

		for i := 0; i < count; i++ {
			vmPath := filepath.Join(storagePath, fmt.Sprintf("vm_%d", i))
			if err := os.MkdirAll(vmPath, os.ModePerm); err != nil {
				panic(errors.Join(ErrCouldNotCreateGuestDirectory, err))
			}
			pool.vmPaths = append(pool.vmPaths, vmPath)

			index := i
			goroutineManager.StartForegroundGoroutine(func(ctx context.Context) {
				instance, err := start(ctx, vmPath)
				if err != nil {
					panic(errors.Join(ErrCouldNotStartGuest, err))
				}
				instances[index] = instance

				// The vCPU is still frozen at this instant; the snapshot
				// lands exactly at the reset vector.
				if err := instance.SaveSnapshot(ctx, ResetTag); err != nil {
					panic(errors.Join(ErrCouldNotCaptureResetSnapshot, err))
				}

				if err := instance.Resume(ctx); err != nil {
					panic(errors.Join(ErrCouldNotResumeGuest, err))
				}
			})
		}

		return
	}()
	if err != nil {
		for _, instance := range instances {
			if instance != nil {
				_ = instance.Shutdown()
			}
		}

		return nil, err
	}

	pool.guests = instances
	pool.all = append([]Instance(nil), instances...)

	if metrics != nil {
		metrics.MetricGuestsLive.Set(float64(len(pool.guests)))
	}

	if log != nil {
		log.Info().Int("guests", len(pool.guests)).Msg("Guest pool up")
	}

	return pool, nil
}

// PruneDeadGuests removes exactly the guests that are no longer alive,
// preserving the relative order of the survivors. Removed guests are never
// contacted again for the remainder of the campaign.
func (p *Pool) PruneDeadGuests() []Instance {
	kept := p.guests[:0]
	for _, instance := range p.guests {
		if instance.Alive() {
			kept = append(kept, instance)
		} else if p.log != nil {
			p.log.Warn().Str("guestID", instance.ID()).Msg("Pruning dead guest")
		}
	}

	// Let removed guests be collected.
	for i := len(kept); i < len(p.guests); i++ {
		p.guests[i] = nil
	}
	p.guests = kept

	if p.metrics != nil {
		p.metrics.MetricGuestsLive.Set(float64(len(p.guests)))
	}

	return p.guests
}

// Guests returns the current live collection.
func (p *Pool) Guests() []Instance {
	return p.guests
}

// Run drives the fuzzing loop: each round prunes the pool, rewinds every
// survivor to the canonical snapshot and then yields for the configured
// interval. A guest failing its reset is degraded and shut down; the campaign
// continues with the survivors.
func (p *Pool) Run(ctx context.Context, rounds int, interval time.Duration) error {
	for round := 0; round < rounds; round++ {
		survivors := p.PruneDeadGuests()
		if len(survivors) == 0 {
			return ErrNoLiveGuests
		}

		if p.log != nil {
			p.log.Debug().Int("round", round).Int("guests", len(survivors)).Msg("Starting fuzzing round")
		}

		for _, instance := range survivors {
			// The guest may have died between the prune and now; the check
			// right before use is authoritative.
			if !instance.Alive() {
				continue
			}

			if err := instance.LoadSnapshot(ctx, ResetTag); err != nil {
				if p.log != nil {
					p.log.Warn().Err(err).Str("guestID", instance.ID()).Msg("Snapshot reset failed, dropping guest")
				}

				_ = instance.Shutdown()

				continue
			}

			p.resetsMu.Lock()
			p.resets[instance.ID()]++
			p.resetsMu.Unlock()

			if p.metrics != nil {
				p.metrics.MetricResetsTotal.WithLabelValues(instance.ID()).Inc()
			}
		}

		if p.metrics != nil {
			p.metrics.MetricRoundsTotal.Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	return nil
}

// Shutdown tears down every remaining guest best-effort and removes the guest
// working directories. Step errors are logged and do not stop the remaining
// steps.
func (p *Pool) Shutdown() {
	for _, instance := range p.guests {
		if err := instance.Shutdown(); err != nil {
			if p.log != nil {
				p.log.Warn().Err(err).Str("guestID", instance.ID()).Msg("Guest shutdown reported errors")
			}
		}
	}
	p.guests = nil

	if p.metrics != nil {
		p.metrics.MetricGuestsLive.Set(0)
	}

	for _, vmPath := range p.vmPaths {
		if err := os.RemoveAll(vmPath); err != nil {
			if p.log != nil {
				p.log.Warn().Err(err).Str("vmPath", vmPath).Msg("Could not remove guest working directory")
			}
		}
	}
}

// Summary prints the per-guest campaign results.
func (p *Pool) Summary() {
	tab := gotable.NewTable([]string{"Guest", "Resets", "State"},
		[]int64{-28, 8, -14},
		"No guests were started.")

	for _, instance := range p.all {
		state := "dead"
		if instance.Alive() {
			state = "running"
		}

		p.resetsMu.Lock()
		resets := p.resets[instance.ID()]
		p.resetsMu.Unlock()

		tab.AppendRow([]interface{}{instance.ID(), fmt.Sprintf("%d", resets), state})
	}

	tab.Print()
}
