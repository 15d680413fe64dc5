// Package pipeline drives one input object through the call-analytics
// workflow. The workflow is an explicit state table: each state has a step
// function that reads and writes the shared State and names the next state,
// optionally after a delay. Long-running inference is never awaited inline;
// wait states poll once and ask to be re-entered later.
package pipeline

import (
	"context"
	"fmt"
	"time"
)

// StateName identifies a workflow state.
type StateName string

// Workflow states
const (
	StateDetectType           StateName = "DETECT_TYPE"
	StateConvertToAudio       StateName = "CONVERT_TO_AUDIO"
	StateDiarize              StateName = "DIARIZE"
	StateWaitDiarization      StateName = "WAIT_DIARIZATION"
	StateChunk                StateName = "CHUNK"
	StateTranscribe           StateName = "TRANSCRIBE"
	StateWaitTranscription    StateName = "WAIT_TRANSCRIPTION"
	StateCombineTranscription StateName = "COMBINE_TRANSCRIPTION"
	StateDetectLanguage       StateName = "DETECT_LANGUAGE"
	StateTranslate            StateName = "TRANSLATE"
	StateWaitTranslation      StateName = "WAIT_TRANSLATION"
	StateCombineTranslation   StateName = "COMBINE_TRANSLATION"
	StateAnalytics            StateName = "ANALYTICS"
	StateSummarize            StateName = "SUMMARIZE"
	StateStitchAndPersist     StateName = "STITCH_AND_PERSIST"
	StateSucceed              StateName = "SUCCEED"
	StateFail                 StateName = "FAIL"
)

// Terminal reports whether no step runs after this state.
func (s StateName) Terminal() bool {
	return s == StateSucceed || s == StateFail
}

// Transition is the outcome of a step: the next state and how long to wait
// before entering it.
type Transition struct {
	Next  StateName
	Delay time.Duration
}

// StepFunc runs one state.
type StepFunc func(p *Pipeline, ctx context.Context, st *State) (Transition, error)

// Machine is the state table together with the edges each state may take.
type Machine struct {
	steps map[StateName]StepFunc
	edges map[StateName][]StateName
}

// NewMachine returns the call-analytics workflow.
func NewMachine() *Machine {
	return &Machine{
		steps: map[StateName]StepFunc{
			StateDetectType:           (*Pipeline).detectType,
			StateConvertToAudio:       (*Pipeline).convertToAudio,
			StateDiarize:              (*Pipeline).diarize,
			StateWaitDiarization:      (*Pipeline).waitDiarization,
			StateChunk:                (*Pipeline).chunk,
			StateTranscribe:           (*Pipeline).transcribe,
			StateWaitTranscription:    (*Pipeline).waitTranscription,
			StateCombineTranscription: (*Pipeline).combineTranscription,
			StateDetectLanguage:       (*Pipeline).detectLanguage,
			StateTranslate:            (*Pipeline).translate,
			StateWaitTranslation:      (*Pipeline).waitTranslation,
			StateCombineTranslation:   (*Pipeline).combineTranslation,
			StateAnalytics:            (*Pipeline).analytics,
			StateSummarize:            (*Pipeline).summarize,
			StateStitchAndPersist:     (*Pipeline).stitchAndPersist,
		},
		edges: map[StateName][]StateName{
			StateDetectType:           {StateConvertToAudio, StateDiarize, StateAnalytics},
			StateConvertToAudio:       {StateDiarize},
			StateDiarize:              {StateWaitDiarization},
			StateWaitDiarization:      {StateWaitDiarization, StateChunk},
			StateChunk:                {StateTranscribe, StateCombineTranscription},
			StateTranscribe:           {StateWaitTranscription},
			StateWaitTranscription:    {StateWaitTranscription, StateCombineTranscription},
			StateCombineTranscription: {StateDetectLanguage},
			StateDetectLanguage:       {StateTranslate, StateAnalytics},
			StateTranslate:            {StateWaitTranslation},
			StateWaitTranslation:      {StateWaitTranslation, StateCombineTranslation},
			StateCombineTranslation:   {StateAnalytics},
			StateAnalytics:            {StateAnalytics, StateSummarize},
			StateSummarize:            {StateStitchAndPersist},
			StateStitchAndPersist:     {StateSucceed},
		},
	}
}

// Step returns the step function for a state.
func (m *Machine) Step(s StateName) (StepFunc, bool) {
	fn, ok := m.steps[s]
	return fn, ok
}

// Allowed reports whether from may transition to to. Every state may fail,
// and every state may re-enter itself to retry a transient error.
func (m *Machine) Allowed(from, to StateName) bool {
	if to == StateFail || to == from {
		return true
	}
	for _, next := range m.edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks that the table is closed: every edge leads to a state that
// either has a step or is terminal, and every non-terminal state has a step.
func (m *Machine) Validate() error {
	for from, nexts := range m.edges {
		if _, ok := m.steps[from]; !ok {
			return fmt.Errorf("state %s has edges but no step", from)
		}
		for _, to := range nexts {
			if _, ok := m.steps[to]; !ok && !to.Terminal() {
				return fmt.Errorf("edge %s -> %s leads to a state without a step", from, to)
			}
		}
	}
	for s := range m.steps {
		if _, ok := m.edges[s]; !ok {
			return fmt.Errorf("state %s has no edges", s)
		}
	}
	return nil
}
