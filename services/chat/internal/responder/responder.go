package responder

import (
	"math/rand/v2"
	"strings"

	"mamahealth/pkg/domain"
)

// Topic is one symptom family the assistant asks about once and then
// answers with self-care advice.
type Topic struct {
	Key            string
	Keywords       []string
	FollowUp       string
	Recommendation string
}

// AnalysisHint is a provisional analysis of an attached file.
type AnalysisHint struct {
	ReliabilityScore int
	DocumentType     domain.DocumentType
}

// Reply is the assistant turn produced for one user utterance.
type Reply struct {
	Message      string
	ContextDelta domain.ConversationContext
	Analysis     *AnalysisHint
}

type smallTalk struct {
	keywords []string
	message  string
}

// Chooser picks an index in [0, n).
type Chooser func(n int) int

// Engine maps an utterance onto a reply with an ordered rule list. It holds
// no conversation state; everything it needs is passed to Generate.
type Engine struct {
	topics    []Topic
	smallTalk []smallTalk
	fallbacks []string
	choose    Chooser
}

type Option func(*Engine)

// WithChooser replaces the random pick among generic replies.
func WithChooser(c Chooser) Option {
	return func(e *Engine) {
		if c != nil {
			e.choose = c
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		topics:    Topics(),
		smallTalk: defaultSmallTalk,
		fallbacks: Fallbacks(),
		choose:    rand.IntN,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Generate applies, in order: attachment acknowledgement, symptom topics,
// small talk, generic clarifying question. seen lists topic keys already
// surfaced in the conversation.
func (e *Engine) Generate(utterance string, hasAttachment bool, seen []string) Reply {
	if hasAttachment {
		return Reply{
			Message:  AttachmentAck,
			Analysis: &AnalysisHint{ReliabilityScore: 50, DocumentType: domain.DocumentOther},
		}
	}

	lower := strings.ToLower(utterance)
	for _, topic := range e.topics {
		if !containsAny(lower, topic.Keywords) {
			continue
		}
		if contains(seen, topic.Key) {
			return Reply{Message: topic.Recommendation}
		}
		return Reply{
			Message:      topic.FollowUp,
			ContextDelta: domain.ConversationContext{domain.ContextSymptoms: []string{topic.Key}},
		}
	}

	for _, rule := range e.smallTalk {
		if containsAny(lower, rule.keywords) {
			return Reply{Message: rule.message}
		}
	}

	idx := e.choose(len(e.fallbacks))
	if idx < 0 || idx >= len(e.fallbacks) {
		idx = 0
	}
	return Reply{Message: e.fallbacks[idx]}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func contains(list []string, key string) bool {
	for _, v := range list {
		if v == key {
			return true
		}
	}
	return false
}
