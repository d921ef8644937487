package main

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/taskcrew/engine"
	"github.com/xraph/taskcrew/registry"
)

// Demo worker types, enabled with demo: true.
const (
	demoAnalyst = "analyst"
	demoWriter  = "writer"
	demoFlaky   = "enricher"
)

var demoLeads = []string{"Acme Corp", "Globex", "Initech", "Umbrella", "Hooli", "Stark Industries"}

type brief struct {
	Topic    string `json:"topic"`
	Audience string `json:"audience"`
}

func registerDemo(eng *engine.Engine) error {
	if err := eng.Register(demoAnalyst, registry.HandlerFunc(scoreLead)); err != nil {
		return err
	}
	if err := engine.RegisterTyped(eng, demoWriter, draftBrief); err != nil {
		return err
	}
	return eng.Register(demoFlaky, registry.HandlerFunc(enrichLead))
}

func scoreLead(ctx context.Context, call *registry.Call) (map[string]any, error) {
	lead, _ := call.Input()["lead"].(string)
	if lead == "" {
		return nil, errors.New("lead is required")
	}

	call.Emit("think", map[string]any{"thought": "checking firmographics for " + lead})
	h := fnv.New32a()
	_, _ = h.Write([]byte(lead))
	score := int(h.Sum32() % 100)

	if call.Cancelled() {
		return nil, nil
	}
	call.Emit("act", map[string]any{"tool": "crm.lookup", "lead": lead})

	summary := fmt.Sprintf("%s scores %d/100. ", lead, score)
	if score >= 50 {
		summary += "Route to an account executive this week."
	} else {
		summary += "Keep in the nurture sequence."
	}
	if err := call.Stream(ctx, "Lead assessment", summary); err != nil {
		return nil, err
	}
	return map[string]any{"lead": lead, "score": score}, nil
}

func draftBrief(ctx context.Context, call *registry.Call, in brief) (map[string]any, error) {
	if in.Topic == "" {
		return nil, errors.New("topic is required")
	}
	audience := in.Audience
	if audience == "" {
		audience = "the sales team"
	}
	draft := fmt.Sprintf("Brief for %s on %s: the pipeline moved this week and the next step is a focused follow-up with every qualified account.", audience, in.Topic)
	if err := call.Stream(ctx, "Draft: "+in.Topic, draft); err != nil {
		return nil, err
	}
	return map[string]any{"draft": draft, "words": len(strings.Fields(draft))}, nil
}

// enrichLead fails its first attempt so retries show up in the feed.
func enrichLead(_ context.Context, call *registry.Call) (map[string]any, error) {
	if call.Attempt() < 2 {
		return nil, errors.New("enrichment provider rate limited")
	}
	call.Emit("act", map[string]any{"tool": "enrich.company"})
	return map[string]any{"enriched": true, "attempt": call.Attempt()}, nil
}

// seedDemo enqueues a rotating mix of demo units until ctx is done.
func seedDemo(ctx context.Context, eng *engine.Engine, logger *slog.Logger) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for i := 0; ; i++ {
		lead := demoLeads[i%len(demoLeads)]
		var err error
		switch i % 3 {
		case 0:
			_, err = eng.Enqueue(ctx, "score_lead", demoAnalyst, 0, map[string]any{"lead": lead})
		case 1:
			_, err = eng.Enqueue(ctx, "draft_brief", demoWriter, 1, map[string]any{"topic": lead + " renewal"})
		default:
			_, err = eng.Enqueue(ctx, "enrich_lead", demoFlaky, 2, map[string]any{"lead": lead})
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("demo enqueue failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
