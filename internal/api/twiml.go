package api

import (
	"encoding/xml"
	"net/http"
)

const twimlVoice = "alice"

type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:"verb"`
}

type twimlMessage struct {
	XMLName xml.Name `xml:"Message"`
	Text    string   `xml:",chardata"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlRecord struct {
	XMLName            xml.Name `xml:"Record"`
	MaxLength          int      `xml:"maxLength,attr"`
	Transcribe         bool     `xml:"transcribe,attr"`
	TranscribeCallback string   `xml:"transcribeCallback,attr"`
}

// twimlGather collects caller speech and posts SpeechResult to Action. Nested
// verbs play while listening; if nothing is heard the document continues after
// the Gather.
type twimlGather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	Language      string   `xml:"language,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr"`
	Verbs         []any    `xml:"verb"`
}

func gather(action string, verbs ...any) twimlGather {
	return twimlGather{
		Input:         "speech",
		Action:        action,
		Method:        http.MethodPost,
		Language:      "en-US",
		SpeechTimeout: "auto",
		Verbs:         verbs,
	}
}

func say(text string) twimlSay {
	return twimlSay{Voice: twimlVoice, Text: text}
}

func writeTwiML(w http.ResponseWriter, status int, verbs ...any) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(twiml{Verbs: verbs})
}
