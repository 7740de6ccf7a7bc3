package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/pkg/models"
)

var workerParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

type workerJob struct {
	name string
	spec string
	run  func(ctx context.Context)
}

// startWorkers launches the periodic maintenance goroutines: decrypt
// retries every five minutes, media eviction hourly, and history
// cleanup nightly when retention is configured.
func (o *Orchestrator) startWorkers(ctx context.Context) {
	jobs := []workerJob{
		{name: "undecryptable_retry", spec: "*/5 * * * *", run: o.retryUndecryptable},
		{name: "media_eviction", spec: "@hourly", run: o.evictExpiredMedia},
	}
	if o.config.DaysToKeep > 0 && o.deps.History != nil {
		jobs = append(jobs, workerJob{name: "history_cleanup", spec: "30 4 * * *", run: o.cleanupHistory})
	}

	for _, job := range jobs {
		sched, err := workerParser.Parse(job.spec)
		if err != nil {
			o.logger.Error("invalid worker schedule", "worker", job.name, "spec", job.spec, "error", err)
			continue
		}
		o.wg.Add(1)
		go o.runWorker(ctx, job, sched)
	}
}

func (o *Orchestrator) runWorker(ctx context.Context, job workerJob, sched cron.Schedule) {
	defer o.wg.Done()

	for {
		timer := time.NewTimer(time.Until(sched.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			job.run(ctx)
		}
	}
}

// retryUndecryptable re-requests room keys for every event whose
// backoff has elapsed, one key request per room. Attempts count against
// the retry budget whether or not the request goes through; exhausted
// events are deleted.
func (o *Orchestrator) retryUndecryptable(ctx context.Context) {
	reg := o.deps.Undecryptable
	if reg == nil || o.deps.Integrations == nil {
		return
	}
	now := time.Now()
	due := reg.Due(now)
	if len(due) == 0 {
		return
	}

	integ, ok := o.deps.Integrations.Get(models.PlatformMatrix)
	if !ok {
		return
	}
	requester, ok := integ.(integrations.KeyRequester)
	if !ok {
		return
	}

	requested := make(map[string]bool)
	for _, ev := range due {
		if !requested[ev.ChannelID] {
			requested[ev.ChannelID] = true
			rctx, cancel := context.WithTimeout(ctx, o.config.IntegrationTimeout)
			err := requester.RequestRoomKeys(rctx, ev.ChannelID)
			cancel()
			if err != nil {
				o.logger.Warn("room key request failed", "channel_id", ev.ChannelID, "error", err)
				if o.deps.Metrics != nil {
					o.deps.Metrics.RecordError("orchestrator", "key_request_failed")
				}
			}
		}

		if reg.MarkRetried(ev.EventID, ev.ChannelID, now) {
			updated := *ev
			updated.RetryCount++
			updated.LastRetry = now
			if o.deps.Recorder != nil {
				o.deps.Recorder.UpsertUndecryptable(&updated)
			}
		} else {
			if o.deps.Recorder != nil {
				o.deps.Recorder.DeleteUndecryptable(ev.EventID, ev.ChannelID)
			}
			o.logger.Info("undecryptable event dropped after retries",
				"channel_id", ev.ChannelID,
				"event_id", ev.EventID)
		}
	}

	o.logger.Debug("decrypt retries processed", "events", len(due), "rooms", len(requested))
}

func (o *Orchestrator) evictExpiredMedia(context.Context) {
	if evicted := o.deps.World.EvictExpiredMedia(o.config.MediaRetainFor); evicted > 0 {
		o.logger.Debug("expired generated media evicted", "count", evicted)
	}
}

func (o *Orchestrator) cleanupHistory(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	res, err := o.deps.History.CleanupOldRecords(cctx, o.config.DaysToKeep)
	if err != nil {
		o.logger.Warn("history cleanup failed", "error", err)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordError("orchestrator", "cleanup_failed")
		}
		return
	}
	o.logger.Info("history cleanup finished",
		"days_kept", o.config.DaysToKeep,
		"state_changes", res.StateChanges,
		"messages", res.Messages,
		"actions", res.Actions,
		"undecryptable", res.UndecryptableEvents)
}
