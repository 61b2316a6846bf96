package domain

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestConversationContextMergeUnionsSymptoms(t *testing.T) {
	current := ConversationContext{ContextSymptoms: []string{"headache"}}
	delta := ConversationContext{ContextSymptoms: []string{"fever"}}

	merged := current.Merge(delta)
	if got, want := merged.Symptoms(), []string{"headache", "fever"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("symptoms = %v, want %v", got, want)
	}

	again := merged.Merge(delta)
	if got, want := again.Symptoms(), []string{"headache", "fever"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("symptoms after re-merge = %v, want %v", got, want)
	}
	if got := current.Symptoms(); !reflect.DeepEqual(got, []string{"headache"}) {
		t.Fatalf("merge mutated receiver: %v", got)
	}
}

func TestConversationContextMergeOverwritesScalars(t *testing.T) {
	current := ConversationContext{ContextSeverity: "leve", ContextDuration: "2 días"}
	merged := current.Merge(ConversationContext{ContextSeverity: "grave"})
	if merged[ContextSeverity] != "grave" {
		t.Fatalf("severity = %v, want grave", merged[ContextSeverity])
	}
	if merged[ContextDuration] != "2 días" {
		t.Fatalf("duration = %v, want untouched", merged[ContextDuration])
	}
}

func TestConversationContextMergeAfterJSONRoundTrip(t *testing.T) {
	raw := []byte(`{"symptoms":["headache"],"severity":"leve"}`)
	var stored ConversationContext
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	merged := stored.Merge(ConversationContext{ContextSymptoms: []string{"headache", "fever"}})
	if got, want := merged.Symptoms(), []string{"headache", "fever"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("symptoms = %v, want %v", got, want)
	}
	if !merged.HasSymptom("fever") || merged.HasSymptom("stomach") {
		t.Fatalf("unexpected HasSymptom results for %v", merged)
	}
}

func TestConversationContextMergeIntoNil(t *testing.T) {
	var current ConversationContext
	merged := current.Merge(ConversationContext{ContextSymptoms: []string{"fever"}})
	if got := merged.Symptoms(); !reflect.DeepEqual(got, []string{"fever"}) {
		t.Fatalf("symptoms = %v, want [fever]", got)
	}
}
