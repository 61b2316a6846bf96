package domain

import (
	"encoding/json"
	"fmt"
)

const (
	ContextSymptoms = "symptoms"
	ContextSeverity = "severity"
	ContextDuration = "duration"
)

// ConversationContext is the small JSON object persisted on a conversation.
// It accumulates the symptom topics already surfaced plus free-form fields.
type ConversationContext map[string]any

// Merge returns a new context with delta applied on top of c. List values
// present on both sides are unioned in order without duplicates; any other
// value in delta replaces the current one.
func (c ConversationContext) Merge(delta ConversationContext) ConversationContext {
	out := make(ConversationContext, len(c)+len(delta))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range delta {
		next, ok := asList(v)
		if !ok {
			out[k] = v
			continue
		}
		current, _ := asList(out[k])
		out[k] = unionList(current, next)
	}
	return out
}

// Symptoms returns the topic keys already surfaced in this conversation.
func (c ConversationContext) Symptoms() []string {
	items, ok := asList(c[ContextSymptoms])
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HasSymptom reports whether the topic key has already been surfaced.
func (c ConversationContext) HasSymptom(key string) bool {
	for _, s := range c.Symptoms() {
		if s == key {
			return true
		}
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func unionList(current, next []any) []any {
	out := make([]any, 0, len(current)+len(next))
	seen := make(map[string]struct{}, len(current)+len(next))
	for _, list := range [][]any{current, next} {
		for _, item := range list {
			key := listKey(item)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

func listKey(item any) string {
	if s, ok := item.(string); ok {
		return "s:" + s
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("v:%v", item)
	}
	return "j:" + string(raw)
}
