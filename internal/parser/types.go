package parser

import (
	"fmt"
	"strings"
)

// Format is the rendering shape the synthesizer should produce.
type Format string

const (
	FormatMarkdown   Format = "markdown"
	FormatStructured Format = "structured"
	FormatPlain      Format = "plain"
)

// Tone colors the voice of the reply.
type Tone string

const (
	ToneConversational Tone = "conversational"
	ToneProfessional   Tone = "professional"
	ToneTechnical      Tone = "technical"
	TonePassionate     Tone = "passionate"
	ToneContemplative  Tone = "contemplative"
	ToneHumorous       Tone = "humorous"
)

// Style shapes how the reply is organized.
type Style string

const (
	StyleFirstPerson  Style = "first_person"
	StyleStorytelling Style = "storytelling"
	StyleConcise      Style = "concise"
	StyleBulletPoints Style = "bullet_points"
)

// LengthClass buckets the soft word budget for a reply.
type LengthClass string

const (
	LengthBrief    LengthClass = "brief"
	LengthStandard LengthClass = "standard"
	LengthDetailed LengthClass = "detailed"
)

var (
	validFormats = map[Format]bool{
		FormatMarkdown: true, FormatStructured: true, FormatPlain: true,
	}
	validTones = map[Tone]bool{
		ToneConversational: true, ToneProfessional: true, ToneTechnical: true,
		TonePassionate: true, ToneContemplative: true, ToneHumorous: true,
	}
	validStyles = map[Style]bool{
		StyleFirstPerson: true, StyleStorytelling: true, StyleConcise: true,
		StyleBulletPoints: true,
	}
	validLengths = map[LengthClass]bool{
		LengthBrief: true, LengthStandard: true, LengthDetailed: true,
	}
)

// Source identifies which classifier variant produced a ReqPrompt.
type Source string

const (
	SourceModel     Source = "model"
	SourceHeuristic Source = "heuristic"
)

// ReqPrompt is the structured classification of one user message. It is
// transient, scoped to a single turn.
type ReqPrompt struct {
	Subject           string      `json:"subject"`
	Format            Format      `json:"format"`
	Tone              Tone        `json:"tone"`
	Style             Style       `json:"style"`
	LengthClass       LengthClass `json:"response_length_class"`
	Confidence        float64     `json:"confidence"`
	IsFollowUp        bool        `json:"is_follow_up"`
	IsDeepDive        bool        `json:"is_deep_dive"`
	ConversationDepth int         `json:"conversation_depth"`
	RequiresExamples  bool        `json:"requires_examples"`
	VoiceMode         bool        `json:"voice_mode"`
	Source            Source      `json:"source"`
}

// ResponseObjective states what a satisfactory reply must accomplish.
type ResponseObjective struct {
	Statement     string   `json:"statement"`
	LengthCeiling int      `json:"length_ceiling"`
	MustInclude   []string `json:"must_include,omitempty"`
}

// TurnContext is the slice of a prior turn the parser needs for follow-up
// detection and depth tracking.
type TurnContext struct {
	UserText string
	Subject  string
	Depth    int
}

// maxDepth caps conversation_depth.
const maxDepth = 5

// modelResult is the strict schema a model classification must fill. Enum
// fields with unknown values reject the whole result; the parser then uses
// the heuristic variant instead of trusting a partial parse.
type modelResult struct {
	Subject          string  `json:"subject"`
	Format           string  `json:"format"`
	Tone             string  `json:"tone"`
	Style            string  `json:"style"`
	LengthClass      string  `json:"response_length_class"`
	Confidence       float64 `json:"confidence"`
	IsDeepDive       bool    `json:"is_deep_dive"`
	RequiresExamples bool    `json:"requires_examples"`
	Objective        string  `json:"objective"`
}

// validate converts the wire result into a ReqPrompt or explains why it
// cannot be trusted.
func (m *modelResult) validate() (ReqPrompt, error) {
	f := Format(m.Format)
	if !validFormats[f] {
		return ReqPrompt{}, fmt.Errorf("unknown format %q", m.Format)
	}
	tone := Tone(m.Tone)
	if !validTones[tone] {
		return ReqPrompt{}, fmt.Errorf("unknown tone %q", m.Tone)
	}
	style := Style(m.Style)
	if !validStyles[style] {
		return ReqPrompt{}, fmt.Errorf("unknown style %q", m.Style)
	}
	length := LengthClass(m.LengthClass)
	if !validLengths[length] {
		return ReqPrompt{}, fmt.Errorf("unknown response_length_class %q", m.LengthClass)
	}

	confidence := m.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return ReqPrompt{
		Subject:          strings.TrimSpace(m.Subject),
		Format:           f,
		Tone:             tone,
		Style:            style,
		LengthClass:      length,
		Confidence:       confidence,
		IsDeepDive:       m.IsDeepDive,
		RequiresExamples: m.RequiresExamples,
		Source:           SourceModel,
	}, nil
}
