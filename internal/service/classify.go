package service

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/language"
)

const intentPrayerRequest = "prayer_request"

var (
	messageKeywords   = []string{"pray", "prayer", "help", "urgent", "sick", "hospital", "death", "emergency"}
	voicemailKeywords = []string{"pray", "prayer", "help", "urgent"}
)

// Classification is the pastoral triage of one inbound turn.
type Classification struct {
	NeedsPastoralCare bool
	Intent            string
}

type analysis struct {
	IsPrayerRequest   bool   `json:"is_prayer_request"`
	NeedsPastoralCare bool   `json:"needs_pastoral_care"`
	EmotionalTone     string `json:"emotional_tone"`
	Intent            string `json:"intent"`
}

// parseAnalysis reads the JSON object out of an LLM answer, tolerating
// surrounding prose or code fences.
func parseAnalysis(raw string) (Classification, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Classification{}, false
	}
	var a analysis
	if err := json.Unmarshal([]byte(raw[start:end+1]), &a); err != nil {
		return Classification{}, false
	}
	intent := strings.TrimSpace(a.Intent)
	if intent == "" {
		intent = "other"
	}
	return Classification{
		NeedsPastoralCare: a.NeedsPastoralCare || a.IsPrayerRequest,
		Intent:            intent,
	}, true
}

func classifyByKeywords(text string, keywords []string) Classification {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return Classification{NeedsPastoralCare: true, Intent: intentPrayerRequest}
		}
	}
	return Classification{Intent: "other"}
}

// normalizeLanguage reduces a language answer or stored preference to its
// base ISO 639 code. It reports false for empty or unrecognised input.
func normalizeLanguage(raw string) (string, bool) {
	raw = strings.Trim(strings.TrimSpace(raw), `."'`)
	if raw == "" || strings.EqualFold(raw, "other") {
		return "", false
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return "", false
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", false
	}
	return base.String(), true
}
