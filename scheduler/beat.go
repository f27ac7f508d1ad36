package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Beat is the schedule loop: every tick it scans schedule entries and
// enqueues each enabled transfer whose cron expression fired since the last
// tick. Exactly one beat should run per queue.
type Beat struct {
	sched    *Scheduler
	interval time.Duration
	parser   cron.Parser
	last     time.Time
}

func NewBeat(sched *Scheduler, interval time.Duration) *Beat {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Beat{
		sched:    sched,
		interval: interval,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		last:     time.Now().UTC(),
	}
}

// Start blocks until the context is cancelled.
func (b *Beat) Start(ctx context.Context) error {
	var ticker = time.NewTicker(b.interval)
	defer ticker.Stop()

	log.WithField("interval", b.interval).Info("schedule beat started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.Tick(ctx, time.Now().UTC()); err != nil {
				log.WithError(err).Warn("schedule tick failed")
			}
		}
	}
}

// Tick enqueues every enabled entry whose cron fired in (last, now].
func (b *Beat) Tick(ctx context.Context, now time.Time) error {
	var pattern = b.sched.prefix + scheduleKeyPart + "*"
	var iter = b.sched.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		var transferID = strings.TrimPrefix(iter.Val(), b.sched.prefix+scheduleKeyPart)
		var entry, err = b.sched.Get(ctx, transferID)
		if err != nil {
			log.WithError(err).WithField("transfer_id", transferID).Warn("skipping unreadable entry")
			continue
		}
		if !entry.Enabled {
			continue
		}
		var schedule cron.Schedule
		if schedule, err = b.parser.Parse(entry.Cron); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"transfer_id": transferID,
				"cron":        entry.Cron,
			}).Warn("skipping entry with invalid cron")
			continue
		}
		if next := schedule.Next(b.last); next.After(now) {
			continue
		}
		if _, err = b.sched.enqueue(ctx, Task{Name: entry.Task, Args: entry.Args}); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"transfer_id": transferID,
			"cron":        entry.Cron,
		}).Info("schedule fired")
	}
	if err := iter.Err(); err != nil {
		return err
	}
	b.last = now
	return nil
}
