// Package scheduler drives the two tick sources that pace an inverter
// connection: a per-inverter register-read tick and a global timesync tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/jaredmauch/eg4-bridge/internal/command"
	"github.com/jaredmauch/eg4-bridge/internal/lxp/serial"
)

// DefaultRegisterReadInterval is used for any inverter that doesn't
// override register_read_interval.
const DefaultRegisterReadInterval = 60 * time.Second

// DefaultTimesyncInterval is the fixed-tick fallback used when no
// scheduler.timesync_cron expression is configured.
const DefaultTimesyncInterval = 60 * time.Second

// registerReadInputEnd bounds the register-read tick's sweep, matching the
// on-connect input snapshot's own bound.
const registerReadInputEnd = 200

// InverterTick is one enabled inverter's scheduling parameters: the engine
// that drives its reads/writes, its effective register-read interval, its
// block size, and the inter-block pacing delay.
type InverterTick struct {
	Datalog  serial.Serial
	Engine   *command.Engine
	Interval time.Duration
	Block    uint16
	Delay    time.Duration
}

// Scheduler owns one goroutine+ticker per enabled inverter for the
// register-read tick (open-question decision 1: true per-inverter cadence,
// not one shared global interval), plus a single global timesync tick,
// optionally cron-driven.
type Scheduler struct {
	log   *logrus.Entry
	ticks []InverterTick

	timesyncCron     string
	timesyncInterval time.Duration
}

// New builds a Scheduler for the given set of enabled inverters.
// timesyncCron may be empty, in which case a fixed DefaultTimesyncInterval
// ticker drives the timesync tick instead.
func New(log *logrus.Entry, ticks []InverterTick, timesyncCron string) *Scheduler {
	return &Scheduler{
		log:              log,
		ticks:            ticks,
		timesyncCron:     timesyncCron,
		timesyncInterval: DefaultTimesyncInterval,
	}
}

// Run blocks, running every tick source until ctx is cancelled. Each
// per-inverter register-read tick runs in its own goroutine so a slow
// inverter never delays another's cadence.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.ticks {
		wg.Add(1)
		go func(t InverterTick) {
			defer wg.Done()
			s.runRegisterReadTick(ctx, t)
		}(t)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runTimesyncTick(ctx)
	}()

	wg.Wait()
}

func (s *Scheduler) runRegisterReadTick(ctx context.Context, t InverterTick) {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultRegisterReadInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.readInputRegisters(ctx, t)
		}
	}
}

// readInputRegisters issues sequential ReadInputs over [0, 200] stepping by
// t.Block, pausing t.Delay between blocks. A single block's failure is
// logged and the sweep continues.
func (s *Scheduler) readInputRegisters(ctx context.Context, t InverterTick) {
	block := t.Block
	if block == 0 {
		block = 40
	}
	for start := uint16(0); start <= registerReadInputEnd; start += block {
		count := block
		if uint32(start)+uint32(count) > registerReadInputEnd+1 {
			count = registerReadInputEnd + 1 - start
		}
		if _, err := t.Engine.ReadInputs(ctx, start, count); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"datalog": t.Datalog.String(), "start": start,
			}).Warn("register read tick: block failed")
		}
		if t.Delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.Delay):
			}
		}
	}
}

func (s *Scheduler) runTimesyncTick(ctx context.Context) {
	if s.timesyncCron == "" {
		s.runFixedTimesyncTick(ctx)
		return
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(s.timesyncCron)
	if err != nil {
		s.log.WithError(err).WithField("expr", s.timesyncCron).Warn("invalid timesync_cron, falling back to fixed interval")
		s.runFixedTimesyncTick(ctx)
		return
	}

	next := schedule.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.syncAll(ctx)
			next = schedule.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}

func (s *Scheduler) runFixedTimesyncTick(ctx context.Context) {
	ticker := time.NewTicker(s.timesyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncAll(ctx)
		}
	}
}

func (s *Scheduler) syncAll(ctx context.Context) {
	for _, t := range s.ticks {
		if err := t.Engine.SyncTime(ctx); err != nil {
			s.log.WithError(err).WithField("datalog", t.Datalog.String()).Error("failed to sync time")
		}
	}
}
