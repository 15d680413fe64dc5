package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/jobs"
	"github.com/codebuildervaibhav/call-insights/internal/prompts"
	"github.com/codebuildervaibhav/call-insights/internal/stitch"
	"github.com/codebuildervaibhav/call-insights/internal/storage"
	"github.com/codebuildervaibhav/call-insights/internal/transcription"
	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// jobInfo describes the execution for the artifact's source block.
func (p *Pipeline) jobInfo(ctx context.Context, st *State, completed time.Time) (*types.TranscribeJobInfo, error) {
	info := &types.TranscribeJobInfo{
		ExecutionID:          st.String(KeyExecutionID),
		ExecutionCompletedAt: completed,
	}
	if p.Records != nil {
		rec, err := p.Records.GetUpload(ctx, st.String(KeyKey))
		switch {
		case err == nil:
			info.LastModified = rec.LastModified
			info.ContentType = rec.ContentType
			info.ContentLength = rec.ContentLength
			info.ExecutionStartedAt = rec.ExecutionStartedAt
			return info, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("read upload record: %w", err)
		}
	}
	obj, err := p.Blobs.Stat(ctx, st.String(KeyKey))
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	info.LastModified = obj.LastModified.UTC().Format(time.RFC3339)
	info.ContentType = obj.ContentType
	info.ContentLength = obj.Size
	return info, nil
}

func (p *Pipeline) stitchInput(ctx context.Context, st *State, completed time.Time) (stitch.Input, error) {
	info, err := p.jobInfo(ctx, st, completed)
	if err != nil {
		return stitch.Input{}, err
	}
	in := stitch.Input{
		Source: types.SourceInformation{
			Key:               st.String(KeyKey),
			Bucket:            st.String(KeyBucket),
			TranscribeJobInfo: info,
		},
		LanguageCode: st.String(KeyLanguageCode),
		Language:     st.String(KeyLanguage),
	}
	for _, prompt := range p.Prompts.Summary {
		if err := prompts.SetField(&in.Summary, prompt.Field, st.String(summaryKey(prompt.Field))); err != nil {
			return stitch.Input{}, err
		}
	}

	if st.String(KeyContentType) == types.ContentTypeText {
		raw, err := p.Blobs.Get(ctx, st.String(KeyKey))
		if err != nil {
			return stitch.Input{}, fmt.Errorf("read input: %w", err)
		}
		in.TextLines = strings.Split(strings.TrimRight(string(raw), "\r\n"), "\n")
	} else {
		in.TurnIndex, err = transcription.LoadTurnIndex(ctx, p.Blobs, outKey(st, st.String(KeyGroups)))
		if err != nil {
			return stitch.Input{}, err
		}
		if in.Original, err = p.loadBundle(ctx, st, transcribeBundle); err != nil {
			return stitch.Input{}, err
		}
		if st.Has(KeyTranslatedTranscription) {
			if in.Translated, err = p.loadBundle(ctx, st, translateBundle); err != nil {
				return stitch.Input{}, err
			}
		}
	}

	if in.Sentiment, err = p.loadAnnotations(ctx, st, KeySentimentOutput); err != nil {
		return stitch.Input{}, err
	}
	if in.Entities, err = p.loadAnnotations(ctx, st, KeyEntitiesOutput); err != nil {
		return stitch.Input{}, err
	}
	return in, nil
}

func (p *Pipeline) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return p.Blobs.Put(ctx, key, data, "application/json")
}

func (p *Pipeline) stitchAndPersist(ctx context.Context, st *State) (Transition, error) {
	log := p.log(st, StateStitchAndPersist)
	completed := p.Clock.Now().UTC()

	in, err := p.stitchInput(ctx, st, completed)
	if err != nil {
		return Transition{}, err
	}
	res := stitch.Build(in)
	if len(res.SkippedTurns) > 0 {
		log.WithField("turns", res.SkippedTurns).Warn("Turns with unknown speakers left out of segments")
	}

	artifact, sentimentKey, entitiesKey := artifactKeys(st)
	if err := p.putJSON(ctx, sentimentKey, res.SentimentLines); err != nil {
		return Transition{}, fmt.Errorf("store sentiment lines: %w", err)
	}
	if err := p.putJSON(ctx, entitiesKey, res.EntityLines); err != nil {
		return Transition{}, fmt.Errorf("store entity lines: %w", err)
	}
	// The call artifact goes last so its presence implies the line files.
	if err := p.putJSON(ctx, artifact, res.Transcript); err != nil {
		return Transition{}, fmt.Errorf("store artifact: %w", err)
	}
	st.Set(KeyProcessedFile, artifact)

	if p.Records != nil {
		summary := res.Transcript.ConversationAnalytics.Summary
		outcome := storage.UploadOutcome{
			Status:            types.StatusSucceeded,
			CompletedAt:       completed,
			OutputKey:         artifact,
			Language:          in.Language,
			Summary:           summary.Summary,
			Topic:             summary.Topic,
			Resolved:          summary.Resolved,
			AgentSentiment:    summary.AgentSentiment,
			CustomerSentiment: summary.CustomerSentiment,
		}
		if t := res.Transcript.ConversationAnalytics.SpeakerTime; t != nil {
			outcome.AgentSecs = t.Agent.TotalTimeSecs
			outcome.CustomerSecs = t.Customer.TotalTimeSecs
			outcome.TotalSecs = t.Total.TotalTimeSecs
		}
		if err := p.Records.CompleteUpload(ctx, st.String(KeyKey), st.String(KeyExecutionID), outcome); err != nil {
			return Transition{}, jobs.Terminal(string(StateStitchAndPersist), fmt.Errorf("record completion: %w", err))
		}
	}

	if p.Publisher != nil {
		if link, err := p.publish(ctx, st, artifact, sentimentKey, entitiesKey); err != nil {
			log.WithError(err).Warn("Failed to publish artifacts")
		} else {
			st.Set(KeyDriveLink, link)
		}
	}

	log.WithFields(logrus.Fields{
		"artifact": artifact,
		"segments": len(res.Transcript.SpeechSegments),
	}).Info("Call analytics stored")
	return Transition{Next: StateSucceed}, nil
}

// publish uploads the artifacts with quadratic backoff between attempts.
func (p *Pipeline) publish(ctx context.Context, st *State, keys ...string) (string, error) {
	files, err := storage.ArtifactFiles(ctx, p.Blobs, keys...)
	if err != nil {
		return "", err
	}
	name := transcription.BaseName(st.String(KeyKey))

	var lastErr error
	for attempt := 1; attempt <= p.settings.PublishAttempts; attempt++ {
		if attempt > 1 {
			if err := p.Clock.Sleep(ctx, time.Duration(attempt*attempt)*time.Second); err != nil {
				return "", err
			}
		}
		link, err := p.Publisher.Publish(ctx, name, files)
		if err == nil {
			return link, nil
		}
		lastErr = err
		p.log(st, StateStitchAndPersist).WithError(err).WithField("attempt", attempt).Warn("Publish attempt failed")
	}
	return "", fmt.Errorf("publish after %d attempts: %w", p.settings.PublishAttempts, lastErr)
}

// artifactKeys returns the keys of the call artifact and its two line files.
func artifactKeys(st *State) (artifact, sentiment, entities string) {
	input := st.String(KeyInputFile)
	return outKey(st, st.String(KeyOutputFile)),
		outKey(st, input+".sentiment.json"),
		outKey(st, input+".entities.json")
}
