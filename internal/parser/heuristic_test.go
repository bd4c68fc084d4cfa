package parser

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// offline forces every Parse through the heuristic variant.
func offlineParser(t *testing.T, known map[string][]string) *Parser {
	t.Helper()
	return newTestParser(t, &canned{err: errors.New("offline")}, known)
}

func TestHeuristicDefaults(t *testing.T) {
	p := offlineParser(t, nil)

	prompt, _ := p.heuristicParse(context.Background(), "thoughts on distributed tracing")
	if prompt.Format != FormatMarkdown || prompt.Tone != ToneConversational ||
		prompt.Style != StyleFirstPerson || prompt.LengthClass != LengthStandard {
		t.Errorf("defaults = %+v", prompt)
	}
	if prompt.Confidence != heuristicConfidence {
		t.Errorf("confidence = %v", prompt.Confidence)
	}
	if prompt.Source != SourceHeuristic {
		t.Errorf("source = %s", prompt.Source)
	}
}

func TestHeuristicResumeRequest(t *testing.T) {
	p := offlineParser(t, nil)

	prompt, statement := p.heuristicParse(context.Background(), "can you give me your resume")
	if prompt.Format != FormatStructured {
		t.Errorf("format = %s, want structured", prompt.Format)
	}
	if prompt.LengthClass != LengthDetailed {
		t.Errorf("length = %s, want detailed", prompt.LengthClass)
	}
	if statement == "" {
		t.Error("resume branch should state its objective")
	}
}

func TestHeuristicDeepDive(t *testing.T) {
	p := offlineParser(t, nil)

	for _, text := range []string{
		"explain gradient descent",
		"how does garbage collection work",
		"what is a bloom filter",
		"why did you choose that design",
	} {
		prompt, _ := p.heuristicParse(context.Background(), text)
		if !prompt.IsDeepDive {
			t.Errorf("%q: deep dive not detected", text)
		}
		if prompt.LengthClass != LengthDetailed {
			t.Errorf("%q: length = %s, want detailed", text, prompt.LengthClass)
		}
	}
}

func TestHeuristicExamples(t *testing.T) {
	p := offlineParser(t, nil)

	prompt, _ := p.heuristicParse(context.Background(), "show me an example of your work")
	if !prompt.RequiresExamples {
		t.Error("example request not detected")
	}
}

func TestHeuristicGreeting(t *testing.T) {
	p := offlineParser(t, nil)

	for _, text := range []string{"hi", "hey there", "good morning", "how are you?"} {
		prompt, _ := p.heuristicParse(context.Background(), text)
		if prompt.LengthClass != LengthBrief || prompt.Format != FormatPlain {
			t.Errorf("%q: got %s/%s, want brief/plain", text, prompt.LengthClass, prompt.Format)
		}
	}

	// A real request that merely starts politely is not a greeting.
	prompt, _ := p.heuristicParse(context.Background(), "hey can you explain vector clocks to me")
	if prompt.LengthClass == LengthBrief {
		t.Error("long request misread as greeting")
	}
}

func TestGuessSubjectPrefersKnowledgeMatches(t *testing.T) {
	known := map[string][]string{
		"lumi":       {"lumi"},
		"ai journey": {"ai_journey"},
	}
	p := offlineParser(t, known)

	prompt, _ := p.heuristicParse(context.Background(), "what can you say about lumi")
	if prompt.Subject != "lumi" {
		t.Errorf("subject = %q, want lumi", prompt.Subject)
	}

	// The two-word candidate wins before single tokens are tried.
	prompt, _ = p.heuristicParse(context.Background(), "describe your ai journey")
	if prompt.Subject != "ai_journey" {
		t.Errorf("subject = %q, want ai_journey", prompt.Subject)
	}
}

func TestGuessSubjectFallsBackToLongestWord(t *testing.T) {
	p := offlineParser(t, nil)

	prompt, _ := p.heuristicParse(context.Background(), "thoughts on observability")
	if prompt.Subject != "observability" {
		t.Errorf("subject = %q, want observability", prompt.Subject)
	}
}

func TestHeuristicIsDeterministic(t *testing.T) {
	p := offlineParser(t, map[string][]string{"lumi": {"lumi"}})

	text := "explain how lumi retrieves context, with an example"
	first, firstStatement := p.heuristicParse(context.Background(), text)
	second, secondStatement := p.heuristicParse(context.Background(), text)

	if !reflect.DeepEqual(first, second) || firstStatement != secondStatement {
		t.Errorf("same input diverged:\n%+v\n%+v", first, second)
	}
}

func TestContentWordsFiltersNoise(t *testing.T) {
	got := contentWords("tell me about the lumi project, please!")
	want := []string{"lumi", "project"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("contentWords = %v, want %v", got, want)
	}
}
