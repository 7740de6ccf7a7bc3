package orchestrator

import (
	"context"
	"time"

	"github.com/corvid-labs/corvid/pkg/models"
)

// runIngest is the single consumer of the integration event feed. It
// holds no locks across platform calls; everything funnels through the
// world store's own synchronization.
func (o *Orchestrator) runIngest(ctx context.Context) {
	defer o.wg.Done()

	events := o.deps.Integrations.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			o.ingest(&msg)
		}
	}
}

// ingest routes one inbound message: undecryptable placeholders go to
// the retry registry, bursty chat goes through the batcher, everything
// else lands in the world directly.
func (o *Orchestrator) ingest(msg *models.Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	if isUndecryptable(msg) {
		o.applyUndecryptable(msg)
		return
	}
	// Social posts arrive pre-formed; only chat bursts need merging.
	if msg.Platform == models.PlatformMatrix && !msg.FromSelf {
		o.batcher.Add(msg)
		return
	}
	o.applyMessage(msg)
}

// applyMessage lands a message in the world state and persists it. A
// duplicate (platform, id) is either a late decrypt replacing its
// placeholder or a true duplicate to drop.
func (o *Orchestrator) applyMessage(msg *models.Message) {
	if o.deps.World.AddMessage(msg) {
		if o.deps.Metrics != nil {
			o.deps.Metrics.MessageIngested(string(msg.Platform))
		}
		if o.deps.Recorder != nil {
			o.deps.Recorder.RecordMessage(msg)
		}
		o.noteTrigger(msg)
		return
	}

	o.applyLateDecrypt(msg)
}

// applyLateDecrypt rewrites a placeholder in place once its event
// decrypts. Only events the retry registry still tracks qualify; other
// duplicates stay dropped.
func (o *Orchestrator) applyLateDecrypt(msg *models.Message) {
	if o.deps.Undecryptable == nil || !o.deps.Undecryptable.Resolve(msg.ID, msg.ChannelID) {
		return
	}

	o.deps.World.UpdateMessageContent(msg)
	if o.deps.Recorder != nil {
		o.deps.Recorder.DeleteUndecryptable(msg.ID, msg.ChannelID)
		o.deps.Recorder.RecordMessage(msg)
	}
	o.noteTrigger(msg)
	o.logger.Debug("late decrypt resolved",
		"channel_id", msg.ChannelID,
		"event_id", msg.ID)
}

// applyUndecryptable stores the placeholder observation and queues the
// event for key-request retries. Placeholders never set the cycle
// trigger; the decrypted content does when it arrives.
func (o *Orchestrator) applyUndecryptable(msg *models.Message) {
	o.deps.World.AddMessage(msg)
	if o.deps.Metrics != nil {
		o.deps.Metrics.MessageIngested(string(msg.Platform))
	}
	if o.deps.Recorder != nil {
		o.deps.Recorder.RecordMessage(msg)
	}

	if o.deps.Undecryptable == nil {
		return
	}
	o.deps.Undecryptable.Track(msg.ID, msg.ChannelID, msg.SenderID, time.Now())
	if o.deps.Recorder != nil {
		o.deps.Recorder.UpsertUndecryptable(&models.UndecryptableEvent{
			EventID:   msg.ID,
			ChannelID: msg.ChannelID,
			Sender:    msg.SenderID,
		})
	}
	o.logger.Debug("undecryptable event queued for retry",
		"channel_id", msg.ChannelID,
		"event_id", msg.ID)
}

// noteTrigger marks the message's channel as the next cycle's focus.
// The newest trigger wins; the agent's own echoes never trigger.
func (o *Orchestrator) noteTrigger(msg *models.Message) {
	if msg.FromSelf || o.config.Identity.IsSelf(msg.SenderID) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.focus == nil || msg.Timestamp.After(o.focus.at) {
		o.focus = &focusTarget{
			platform:  msg.Platform,
			channelID: msg.ChannelID,
			messageID: msg.ID,
			at:        msg.Timestamp,
		}
	}
}

func isUndecryptable(msg *models.Message) bool {
	if msg.Metadata == nil {
		return false
	}
	flagged, _ := msg.Metadata["undecryptable"].(bool)
	return flagged
}
