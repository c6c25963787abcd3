package msgqueue

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/apex-data/racecoach/internal/coach"
)

// categoryKeywords drive the semantic-combination check: two same-category
// messages sharing at least two of these words are judged to be about the
// same thing.
var categoryKeywords = map[coach.Category][]string{
	coach.CategoryBraking:     {"brake", "braking", "late", "early", "point", "deeper", "pressure"},
	coach.CategoryThrottle:    {"throttle", "power", "commit", "early", "late", "exit"},
	coach.CategoryCornering:   {"apex", "speed", "corner", "carry", "entry", "minimum"},
	coach.CategoryRacingLine:  {"line", "apex", "turn", "wide", "early", "late"},
	coach.CategoryConsistency: {"smooth", "inputs", "consistent", "busy", "hands"},
	coach.CategorySafety:      {"understeer", "oversteer", "slow", "settle", "rotating"},
	coach.CategoryTechnique:   {"trail", "braking", "technique", "good"},
	coach.CategoryTires:       {"tire", "temperature", "pressure", "grip"},
	coach.CategoryFuel:        {"fuel", "save", "lift", "consumption"},
	coach.CategoryStrategy:    {"pit", "stint", "window", "position"},
}

// combineTemplates render the merged text per category.
var combineTemplates = map[coach.Category]string{
	coach.CategoryBraking:   "Braking in %s: %s; also %s",
	coach.CategoryThrottle:  "Throttle work in %s: %s; also %s",
	coach.CategoryCornering: "Through %s: %s; also %s",
	coach.CategorySafety:    "Careful in %s: %s; also %s",
}

// sharedKeywords counts category keywords present in both texts.
func sharedKeywords(a, b string, kws []string) int {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	n := 0
	for _, kw := range kws {
		if strings.Contains(la, kw) && strings.Contains(lb, kw) {
			n++
		}
	}
	return n
}

// combine merges two same-category messages: priority is the max, confidence
// the mean, and the older text is preserved as a secondary message.
func combine(older, newer *Message) *Message {
	corner := newer.Corner
	if corner == "" {
		corner = older.Corner
	}
	tmpl, ok := combineTemplates[newer.Category]
	var text string
	if ok {
		text = fmt.Sprintf(tmpl, corner, trimSentence(older.Text), trimSentence(newer.Text))
	} else {
		text = fmt.Sprintf("%s; also %s", trimSentence(older.Text), trimSentence(newer.Text))
	}

	prio := older.Priority
	if newer.Priority > prio {
		prio = newer.Priority
	}
	out := &Message{
		ID:         uuid.NewString(),
		Text:       text,
		Category:   newer.Category,
		Corner:     corner,
		Priority:   prio,
		Confidence: (older.Confidence + newer.Confidence) / 2,
		TimeLoss:   older.TimeLoss + newer.TimeLoss,
		Source:     coach.SourceCombined,
		Secondary:  append(append([]string(nil), older.Secondary...), older.Text, newer.Text),
		Timestamp:  newer.Timestamp,
	}
	if newer.Audio != nil {
		out.Audio = newer.Audio
	} else {
		out.Audio = older.Audio
	}
	return out
}

// trimSentence lowercases the leading letter and drops a trailing period so
// combined texts read as one sentence.
func trimSentence(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
