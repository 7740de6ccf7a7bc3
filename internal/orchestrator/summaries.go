package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/internal/decision"
	"github.com/corvid-labs/corvid/internal/nodes"
	"github.com/corvid-labs/corvid/pkg/models"
)

// refreshStaleSummaries regenerates the summary of every collapsed node
// whose data changed since it was last summarized. The fan-out is
// bounded by SummaryWorkers and joined before the payload build so the
// model never reads a summary mid-write.
func (o *Orchestrator) refreshStaleSummaries(ctx context.Context) {
	type job struct {
		path string
		data any
	}

	var jobs []job
	for _, node := range o.deps.Nodes.All() {
		if node.IsExpanded {
			continue
		}
		data, ok := o.deps.Builder.NodeData(node.NodePath, o.config.Identity)
		if !ok {
			continue
		}
		if !o.deps.Nodes.IsDataChanged(node.NodePath, data) {
			continue
		}
		jobs = append(jobs, job{path: node.NodePath, data: data})
	}
	if len(jobs) == 0 {
		return
	}

	start := time.Now()
	sem := make(chan struct{}, o.config.SummaryWorkers)
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.summarizeNode(ctx, j.path, j.data)
		}()
	}
	wg.Wait()

	o.logger.Debug("stale summaries refreshed",
		"nodes", len(jobs),
		"duration", time.Since(start).Round(time.Millisecond))
}

// summarizeNode asks the summary profile for a fresh description and
// stores it with the fingerprint of the data it describes. A failed
// summary leaves the old one in place; the next cycle retries.
func (o *Orchestrator) summarizeNode(ctx context.Context, path string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		o.logger.Warn("node data not serializable", "path", path, "error", err)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, o.config.SummaryTimeout)
	defer cancel()
	summary, err := o.deps.Decider.Summarize(sctx, decision.SummarySystemPrompt, string(raw))
	if err != nil {
		o.logger.Warn("summary refresh failed", "path", path, "error", err)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordError("orchestrator", "summary_failed")
		}
		return
	}

	o.deps.Nodes.UpdateSummary(path, strings.TrimSpace(summary), nodes.Fingerprint(data))
	o.markSummarizedChannel(path)
}

// markSummarizedChannel stamps the channel's last-summary time when a
// channel node was the one summarized.
func (o *Orchestrator) markSummarizedChannel(path string) {
	rest, ok := strings.CutPrefix(path, "channels.")
	if !ok {
		return
	}
	platform, channelID, ok := strings.Cut(rest, ".")
	if !ok {
		return
	}
	o.deps.World.MarkSummarized(models.Platform(platform), channelID, time.Now())
}
