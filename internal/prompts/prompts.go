// Package prompts holds the text-generation templates for call summaries and
// local line analytics. Templates use "{transcript}" and "{question}"
// placeholders and "<br>" for line breaks.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codebuildervaibhav/call-insights/internal/types"
)

// Summary fields, in the order they are generated.
const (
	FieldSummary           = "Summary"
	FieldActions           = "Actions"
	FieldTopic             = "Topic"
	FieldPoliteness        = "Politeness"
	FieldCallback          = "Callback"
	FieldProduct           = "Product"
	FieldResolved          = "Resolved"
	FieldAgentSentiment    = "AgentSentiment"
	FieldCustomerSentiment = "CustomerSentiment"
)

// SummaryPrompt produces one field of the call summary.
type SummaryPrompt struct {
	Field    string `yaml:"field"`
	Template string `yaml:"template"`
	Question string `yaml:"question,omitempty"`
	// FirstClause keeps only the answer text before the first comma.
	FirstClause bool `yaml:"first_clause,omitempty"`
}

// LinePrompts annotate a single transcript line.
type LinePrompts struct {
	Sentiment string `yaml:"sentiment"`
	Entities  string `yaml:"entities"`
}

// Catalog is the full prompt set.
type Catalog struct {
	Summary []SummaryPrompt `yaml:"summary"`
	Line    LinePrompts     `yaml:"line"`
}

const preamble = "<br><br>Human: Answer the question below, defined in <question></question>, using only the " +
	"transcript defined in <transcript></transcript>. If the transcript does not answer it, reply with 'n/a'. " +
	"Use gender neutral pronouns. Reply with the answer only and no XML tags.<br><br>"

const transcriptBlock = "<br><br><transcript><br>{transcript}<br></transcript><br><br>Assistant:"

func question(q string) string {
	return preamble + "<question>" + q + "</question>" + transcriptBlock
}

func speakerSentiment(role string) string {
	return "<br><br>Human: Give one word for the sentiment of the " + role +
		" in this transcript, either 'Positive', 'Negative' or 'Neutral'." +
		"<br>TRANSCRIPT: {transcript}<br>SENTIMENT LABEL ('Positive', 'Negative' or 'Neutral'):<br>Assistant:"
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return &Catalog{
		Summary: []SummaryPrompt{
			{Field: FieldSummary, Template: question("What is a summary of the transcript?")},
			{Field: FieldActions, Template: question("What actions did the Agent take?")},
			{Field: FieldTopic, Template: question("What is the topic of the call? For example billing issue, " +
				"device issue or cancellation. Reply with the topic only.")},
			{Field: FieldPoliteness, Template: question("Was the agent polite and professional? Reply with yes or no only.")},
			{Field: FieldCallback, Template: question("Was this a callback? Reply with yes or no only.")},
			{Field: FieldProduct, Template: question("Which product did the customer call about? For example " +
				"broadband, mobile phone or mobile plan. Reply with the product only.")},
			{Field: FieldResolved, Template: question("Did the agent resolve the customer's questions? Reply with yes or no only.")},
			{Field: FieldAgentSentiment, Template: speakerSentiment("Agent"), FirstClause: true},
			{Field: FieldCustomerSentiment, Template: speakerSentiment("Customer"), FirstClause: true},
		},
		Line: LinePrompts{
			Sentiment: "Classify the sentiment of this line from a customer support conversation as " +
				"POSITIVE, NEGATIVE, NEUTRAL or MIXED. Reply with the label only.<br><br>{transcript}",
			Entities: "List the named entities in this line from a customer support conversation as a JSON " +
				"array of objects with \"Type\" (PERSON, LOCATION, ORGANIZATION, COMMERCIAL_ITEM, DATE, QUANTITY, " +
				"EVENT, TITLE or OTHER) and \"Text\" copied exactly from the line. Reply with [] when there are " +
				"none.<br><br>{transcript}",
		},
	}
}

// Load reads a YAML catalog from path and overlays it on the defaults: a
// summary prompt replaces the default with the same field, empty line
// prompts keep their default. A missing file yields the defaults.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt catalog: %w", err)
	}

	var file Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse prompt catalog: %w", err)
	}

	for _, p := range file.Summary {
		if !knownField(p.Field) {
			return nil, fmt.Errorf("prompt catalog: unknown summary field %q", p.Field)
		}
		if strings.TrimSpace(p.Template) == "" {
			continue
		}
		for i := range c.Summary {
			if c.Summary[i].Field == p.Field {
				c.Summary[i] = p
			}
		}
	}
	if file.Line.Sentiment != "" {
		c.Line.Sentiment = file.Line.Sentiment
	}
	if file.Line.Entities != "" {
		c.Line.Entities = file.Line.Entities
	}
	return c, nil
}

// Render fills a template. The question placeholder is left untouched when
// question is empty.
func Render(template, transcript, question string) string {
	out := strings.ReplaceAll(template, "<br>", "\n")
	out = strings.ReplaceAll(out, "{transcript}", transcript)
	if question != "" {
		out = strings.ReplaceAll(out, "{question}", question)
	}
	return out
}

// CleanAnswer strips code fences and surrounding space from a generated
// answer and optionally cuts it at the first comma.
func CleanAnswer(answer string, firstClause bool) string {
	answer = strings.TrimSpace(strings.ReplaceAll(answer, "```", ""))
	if firstClause {
		answer, _, _ = strings.Cut(answer, ",")
	}
	return answer
}

// SetField stores value in the summary field named field.
func SetField(s *types.CallSummary, field, value string) error {
	switch field {
	case FieldSummary:
		s.Summary = value
	case FieldActions:
		s.Actions = value
	case FieldTopic:
		s.Topic = value
	case FieldPoliteness:
		s.Politeness = value
	case FieldCallback:
		s.Callback = value
	case FieldProduct:
		s.Product = value
	case FieldResolved:
		s.Resolved = value
	case FieldAgentSentiment:
		s.AgentSentiment = value
	case FieldCustomerSentiment:
		s.CustomerSentiment = value
	default:
		return fmt.Errorf("unknown summary field %q", field)
	}
	return nil
}

func knownField(field string) bool {
	return SetField(&types.CallSummary{}, field, "") == nil
}
