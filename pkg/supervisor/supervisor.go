// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package supervisor keeps the worker processes alive and carries the
// operator surface: signal-driven reloads, the admin agent and the
// restart budget that turns a crash loop into a fatal condition.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
	"github.com/Intelligent-Intern/quicpro-go/pkg/validate"
)

// WorkerEnv names the environment variable carrying the worker index
// into spawned processes.
const WorkerEnv = "QUICPRO_WORKER"

// ErrCrashLoop is returned by Run when a worker exhausted its restart
// budget. The process should treat this as fatal.
var ErrCrashLoop = errors.New("worker restart budget exhausted")

// Config bounds the supervision behavior.
type Config struct {
	// Workers is the number of worker processes to keep running.
	Workers int

	// RestartLimit and RestartWindow form the sliding restart budget:
	// more than RestartLimit unprompted exits of one worker within
	// RestartWindow stop all restarts.
	RestartLimit  int
	RestartWindow time.Duration

	// Affinity pins workers to core ranges. Workers without an entry
	// inherit the parent's mask.
	Affinity []validate.CPURange

	// Niceness is applied to every worker, 0 leaving it untouched.
	Niceness int

	// Env is appended to each worker's environment.
	Env []string
}

type workerExit struct {
	worker int
	err    error
}

// Supervisor spawns one process per worker slot and respawns them within
// the restart budget.
type Supervisor struct {
	binary string
	args   []string
	cfg    Config

	mutex    sync.Mutex
	procs    map[int]*os.Process
	restarts map[int][]time.Time
	stopping bool

	stopSyn chan struct{}
}

func New(binary string, args []string, cfg Config) *Supervisor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RestartLimit <= 0 {
		cfg.RestartLimit = 5
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = time.Minute
	}

	return &Supervisor{
		binary:   binary,
		args:     args,
		cfg:      cfg,
		procs:    make(map[int]*os.Process),
		restarts: make(map[int][]time.Time),
		stopSyn:  make(chan struct{}),
	}
}

// Run spawns all workers and blocks until Stop is called or the restart
// budget of some worker is exhausted.
func (s *Supervisor) Run() error {
	exits := make(chan workerExit, s.cfg.Workers)

	for worker := 0; worker < s.cfg.Workers; worker++ {
		if err := s.spawn(worker, exits); err != nil {
			s.terminateAll()
			return err
		}
	}

	alive := s.cfg.Workers
	stop := s.stopSyn
	for {
		select {
		case <-stop:
			stop = nil
			s.mutex.Lock()
			s.stopping = true
			s.mutex.Unlock()
			s.terminateAll()

		case exit := <-exits:
			s.mutex.Lock()
			delete(s.procs, exit.worker)
			stopping := s.stopping
			s.mutex.Unlock()
			alive--

			telemetry.Events().Publish(telemetry.EventWorkerExit, map[string]string{
				"worker": strconv.Itoa(exit.worker),
				"error":  fmt.Sprintf("%v", exit.err),
			})

			if stopping {
				if alive == 0 {
					return nil
				}
				continue
			}

			log.WithFields(log.Fields{
				"worker": exit.worker,
				"error":  exit.err,
			}).Warn("Worker exited, restarting")

			if !s.withinBudget(exit.worker) {
				log.WithField("worker", exit.worker).Error("Worker is crash looping, giving up")
				telemetry.Events().Publish(telemetry.EventCrashLoop, map[string]string{
					"worker": strconv.Itoa(exit.worker),
				})
				s.mutex.Lock()
				s.stopping = true
				s.mutex.Unlock()
				s.terminateAll()
				// Drain the remaining exits before reporting.
				for alive > 0 {
					<-exits
					alive--
				}
				return ErrCrashLoop
			}

			if err := s.spawn(exit.worker, exits); err != nil {
				log.WithField("worker", exit.worker).WithError(err).Error("Respawning worker failed")
				s.terminateAll()
				return err
			}
			alive++
		}
	}
}

// Stop asks Run to terminate all workers and return.
func (s *Supervisor) Stop() {
	close(s.stopSyn)
}

// withinBudget records one unprompted exit and reports whether the
// sliding window still has room.
func (s *Supervisor) withinBudget(worker int) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.cfg.RestartWindow)

	window := s.restarts[worker]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.restarts[worker] = kept

	return len(kept) <= s.cfg.RestartLimit
}

func (s *Supervisor) spawn(worker int, exits chan<- workerExit) error {
	cmd := exec.Command(s.binary, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", WorkerEnv, worker))
	cmd.Env = append(cmd.Env, s.cfg.Env...)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker %d: %w", worker, err)
	}

	pid := cmd.Process.Pid
	if err := s.applyAffinity(worker, pid); err != nil {
		log.WithFields(log.Fields{
			"worker": worker,
			"pid":    pid,
		}).WithError(err).Warn("Applying CPU affinity failed")
	}
	if s.cfg.Niceness != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, pid, s.cfg.Niceness); err != nil {
			log.WithField("worker", worker).WithError(err).Warn("Setting niceness failed")
		}
	}

	s.mutex.Lock()
	s.procs[worker] = cmd.Process
	s.mutex.Unlock()

	log.WithFields(log.Fields{
		"worker": worker,
		"pid":    pid,
	}).Info("Worker started")

	go func() {
		exits <- workerExit{worker: worker, err: cmd.Wait()}
	}()
	return nil
}

func (s *Supervisor) applyAffinity(worker, pid int) error {
	for _, r := range s.cfg.Affinity {
		if r.Worker != worker {
			continue
		}
		var set unix.CPUSet
		set.Zero()
		for core := r.FirstCore; core <= r.LastCore; core++ {
			set.Set(core)
		}
		return unix.SchedSetaffinity(pid, &set)
	}
	return nil
}

func (s *Supervisor) terminateAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for worker, proc := range s.procs {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			log.WithField("worker", worker).WithError(err).Debug("Signalling worker failed")
		}
	}
}
