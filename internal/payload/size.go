package payload

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Rough per-entity byte weights for the traditional-mode estimate. They
// only need to rank the payload against the mode threshold, not predict
// its exact size.
const (
	estBase       = 2048
	estPerChannel = 256
	estPerMessage = 280
	estPerAction  = 320
	estPerInvite  = 160
	estPerMedia   = 220
)

// minDetailMessages is the floor the first trim step reduces detailed
// channels to.
const minDetailMessages = 5

// EstimateTraditionalSize predicts the traditional payload size from
// entity counts alone, without building anything. The orchestrator uses
// it to decide between traditional and node-based mode.
func (b *Builder) EstimateTraditionalSize() int {
	stats := b.world.Stats()

	est := estBase
	est += stats.Channels * estPerChannel
	est += b.config.DetailMessages * estPerMessage
	actions := stats.ActionHistory
	if actions > b.config.ActionHistory {
		actions = b.config.ActionHistory
	}
	est += actions * estPerAction
	est += stats.PendingInvites * estPerInvite
	est += stats.GeneratedMedia * estPerMedia
	return est
}

// finalize measures the payload and, while it is over the hard budget,
// walks the trim ladder: reduce message detail, drop low-priority
// collapsed summaries, truncate long bodies.
func (b *Builder) finalize(p *Payload) (*Payload, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	steps := []func(*Payload) bool{b.reduceDetail, b.dropSummaries, b.truncateBodies}
	for _, step := range steps {
		if len(raw) <= b.config.MaxBytes {
			break
		}
		if !step(p) {
			continue
		}
		if raw, err = json.Marshal(p); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	if len(raw) > b.config.MaxBytes {
		b.logger.Warn("payload over budget after trimming",
			"bytes", len(raw), "budget", b.config.MaxBytes)
	}

	p.Stats.Bytes = len(raw)
	if b.metrics != nil {
		b.metrics.ObservePayloadSize(string(p.Mode), len(raw))
	}
	return p, nil
}

func (b *Builder) reduceDetail(p *Payload) bool {
	changed := false
	for _, key := range sortedChannelKeys(p.Channels) {
		view := p.Channels[key]
		if len(view.RecentMessages) > minDetailMessages {
			view.RecentMessages = view.RecentMessages[len(view.RecentMessages)-minDetailMessages:]
			changed = true
		}
	}
	for _, data := range p.ExpandedNodes {
		view, ok := data.(*ChannelView)
		if !ok {
			continue
		}
		if len(view.RecentMessages) > minDetailMessages {
			view.RecentMessages = view.RecentMessages[len(view.RecentMessages)-minDetailMessages:]
			changed = true
		}
	}
	return changed
}

// dropSummaries removes unpinned collapsed summaries down to the
// configured keep count, unchanged and oldest-summarized first.
func (b *Builder) dropSummaries(p *Payload) bool {
	if len(p.CollapsedNodeSummaries) <= b.config.SummaryKeep {
		return false
	}

	type candidate struct {
		path    string
		changed bool
		ts      float64
	}
	var cands []candidate
	for path, s := range p.CollapsedNodeSummaries {
		if meta, ok := b.nodes.Node(path); ok && meta.IsPinned {
			continue
		}
		cands = append(cands, candidate{path: path, changed: s.DataChanged, ts: s.LastSummaryTS})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].changed != cands[j].changed {
			return !cands[i].changed
		}
		if cands[i].ts != cands[j].ts {
			return cands[i].ts < cands[j].ts
		}
		return cands[i].path < cands[j].path
	})

	over := len(p.CollapsedNodeSummaries) - b.config.SummaryKeep
	dropped := false
	for i := 0; i < len(cands) && over > 0; i++ {
		delete(p.CollapsedNodeSummaries, cands[i].path)
		over--
		dropped = true
	}
	return dropped
}

func (b *Builder) truncateBodies(p *Payload) bool {
	changed := false
	trim := func(views []*MessageView) {
		for _, mv := range views {
			if cut := truncate(mv.Content, b.config.MaxContentLen); cut != mv.Content {
				mv.Content = cut
				changed = true
			}
		}
	}
	for _, view := range p.Channels {
		trim(view.RecentMessages)
	}
	for _, thread := range p.Threads {
		trim(thread.Messages)
	}
	for _, data := range p.ExpandedNodes {
		switch v := data.(type) {
		case *ChannelView:
			trim(v.RecentMessages)
		case *ThreadView:
			trim(v.Messages)
		}
	}
	return changed
}
