package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codebuildervaibhav/call-insights/internal/inference"
	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// analyticsBranch is one of the per-line analytics jobs run side by side.
type analyticsBranch struct {
	kind        jobs.Kind
	suffix      string
	settings    PollSettings
	handleKey   string
	completeKey string
	retryKey    string
	nextPollKey string
	outputKey   string
}

func (p *Pipeline) analyticsBranches() []analyticsBranch {
	return []analyticsBranch{
		{
			kind:        jobs.KindSentiment,
			suffix:      ".sentiment.jsonl.gz",
			settings:    p.settings.Sentiment,
			handleKey:   KeySentimentJob,
			completeKey: KeySentimentComplete,
			retryKey:    KeySentimentRetries,
			nextPollKey: KeySentimentNextPoll,
			outputKey:   KeySentimentOutput,
		},
		{
			kind:        jobs.KindEntities,
			suffix:      ".entities.jsonl.gz",
			settings:    p.settings.Entities,
			handleKey:   KeyEntitiesJob,
			completeKey: KeyEntitiesComplete,
			retryKey:    KeyEntitiesRetries,
			nextPollKey: KeyEntitiesNextPoll,
			outputKey:   KeyEntitiesOutput,
		},
	}
}

// analytics advances the sentiment and entities jobs together. Each visit
// submits a branch that has no job yet and polls a branch whose wait is
// over; the state re-enters itself until both have output.
func (p *Pipeline) analytics(ctx context.Context, st *State) (Transition, error) {
	log := p.log(st, StateAnalytics)
	branches := p.analyticsBranches()

	if p.Analytics == nil {
		log.Warn("No analytics service configured, skipping line analytics")
		for _, b := range branches {
			st.Set(b.completeKey, true)
		}
		return Transition{Next: StateSummarize}, nil
	}

	if !st.Has(KeySentimentComplete) && !st.Has(KeyEntitiesComplete) {
		raw, err := p.Blobs.Get(ctx, transcriptKey(st))
		if err != nil {
			return Transition{}, fmt.Errorf("read transcript: %w", err)
		}
		if !hasSpeech(string(raw)) {
			log.Info("Empty transcript, skipping line analytics")
			for _, b := range branches {
				st.Set(b.completeKey, true)
			}
			return Transition{Next: StateSummarize}, nil
		}
	}

	waits := make([]time.Duration, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range branches {
		i, b := i, b
		g.Go(func() error {
			wait, err := p.advanceBranch(gctx, st, b)
			waits[i] = wait
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Transition{}, err
	}

	var delay time.Duration
	pending := 0
	for i, b := range branches {
		if st.Bool(b.completeKey) {
			continue
		}
		if pending == 0 || waits[i] < delay {
			delay = waits[i]
		}
		pending++
	}
	if pending == 0 {
		log.Info("Line analytics complete")
		return Transition{Next: StateSummarize}, nil
	}
	return Transition{Next: StateAnalytics, Delay: delay}, nil
}

// advanceBranch moves one branch forward and returns how long until it
// should be polled again.
func (p *Pipeline) advanceBranch(ctx context.Context, st *State, b analyticsBranch) (time.Duration, error) {
	if st.Bool(b.completeKey) {
		return 0, nil
	}
	log := p.log(st, StateAnalytics).WithField("kind", b.kind)
	now := p.Clock.Now()

	if !st.Has(b.handleKey) {
		output := outKey(st, st.String(KeyInputFile)+b.suffix)
		h, err := p.Analytics.Submit(ctx, jobs.Request{
			Kind:         b.kind,
			InputKey:     transcriptKey(st),
			OutputKey:    output,
			LanguageCode: p.settings.AnalyticsLanguage,
		})
		if err != nil {
			return 0, err
		}
		st.Set(b.handleKey, h.Encode())
		st.Set(b.completeKey, false)
		st.Set(b.retryKey, 0)
		st.Set(b.outputKey, output)
		st.SetTime(b.nextPollKey, now.Add(b.settings.Interval))
		log.WithField("job", h.JobID).Info("Analytics job submitted")
		return b.settings.Interval, nil
	}

	if due := st.Time(b.nextPollKey); now.Before(due) {
		return due.Sub(now), nil
	}

	outcome, data, err := Poll(ctx, st, PollSpec{
		State:       StateAnalytics,
		Job:         p.Analytics,
		HandleKey:   b.handleKey,
		CompleteKey: b.completeKey,
		RetryKey:    b.retryKey,
		MaxRetries:  b.settings.MaxRetries,
		OnExhausted: FailOnExhausted,
	})
	if err != nil {
		return 0, err
	}
	if outcome == PollWaiting {
		st.SetTime(b.nextPollKey, now.Add(b.settings.Interval))
		return b.settings.Interval, nil
	}

	h, _ := jobs.DecodeHandle(st.String(b.handleKey))
	if output := st.String(b.outputKey); h.OutputKey != output {
		if err := p.Blobs.Put(ctx, output, data, "application/gzip"); err != nil {
			return 0, fmt.Errorf("store %s output: %w", b.kind, err)
		}
	}
	log.WithField("attempts", st.Int(b.retryKey)).Info("Analytics job complete")
	return 0, nil
}

// loadAnnotations reads a branch's output, or nothing when the branch was
// skipped.
func (p *Pipeline) loadAnnotations(ctx context.Context, st *State, outputKey string) (map[int]types.LineAnnotation, error) {
	key := st.String(outputKey)
	if key == "" {
		return nil, nil
	}
	data, err := p.Blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return inference.DecodeAnnotations(data)
}
