package ingest

import (
	"time"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/dedup"
	"github.com/you/chatrelay/internal/emoji"
	"github.com/you/chatrelay/internal/ingesttrace"
	"github.com/you/chatrelay/internal/tier"
)

// pipeline normalizes one run's batches. It is only touched from the run
// goroutine that owns it.
type pipeline struct {
	mode   core.Mode
	target string
	dedup  *dedup.Window
	emoji  *emoji.Resolver
	tracer *ingesttrace.Tracer
	now    func() time.Time
}

// process drops already-delivered ids, learns and substitutes emoji, and
// assigns tiers to paid messages. Order is preserved.
func (p *pipeline) process(batch core.RawBatch) (kept []core.Message, duplicates int) {
	for _, msg := range batch.Messages {
		p.tracer.Mark(p.mode, p.target, msg, ingesttrace.StageReceived)
	}
	kept = make([]core.Message, 0, len(batch.Messages))
	for _, msg := range batch.Messages {
		if !p.dedup.Admit(msg.ID) {
			duplicates++
			p.tracer.MarkID(msg.ID, ingesttrace.StageDropped("duplicate"))
			continue
		}
		p.enrich(&msg)
		p.tracer.MarkID(msg.ID, ingesttrace.StageNormalized)
		kept = append(kept, msg)
	}
	return kept, duplicates
}

func (p *pipeline) enrich(msg *core.Message) {
	if msg.Source == "" {
		msg.Source = p.mode
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = msg.ReceivedAt
	}

	if len(msg.Runs) > 0 {
		p.emoji.ObserveRuns(msg.Runs)
		msg.Runs = p.emoji.ResolveRuns(msg.Runs)
	} else if msg.Text != "" {
		if runs := p.emoji.Resolve(msg.Text); hasEmoji(runs) {
			msg.Runs = runs
		}
	}

	if msg.Payload.Kind == "" {
		msg.Payload.Kind = core.PayloadText
	}
	if msg.Payload.IsMonetary() && msg.Payload.Tier == 0 {
		msg.Payload.Tier = tier.Of(msg.Payload.AmountMicros, msg.Payload.Currency)
	}
}

func hasEmoji(runs []core.Run) bool {
	for _, r := range runs {
		if r.Emoji != nil {
			return true
		}
	}
	return false
}
