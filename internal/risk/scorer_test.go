package risk

import (
	"strings"
	"testing"
)

func TestScore_CleanMessages(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"greeting", "hello, are you free friday?"},
		{"small talk", "I loved that cafe you mentioned"},
		{"empty-ish", "ok"},
		{"version number", "I upgraded to v2.0 yesterday"},
		{"decimal", "it was like 3.14 miles away"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Score(tt.text)
			if result.Total != 0 {
				t.Errorf("Score(%q).Total = %d (signals %v), want 0", tt.text, result.Total, result.Signals)
			}
			if len(result.Signals) != 0 {
				t.Errorf("Score(%q) produced signals %v, want none", tt.text, result.Signals)
			}
		})
	}
}

func TestScore_SingleSignals(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		signal string
	}{
		{"phone number", "call me at 555-123-4567 ", "contact_phone"},
		{"email", "write to jess@example.com anytime", "contact_email"},
		{"url", "check https://sketchy.example/profile", "contact_link"},
		{"platform name", "I barely use telegram anymore", "platform_redirect"},
		{"handle", "find me @night_owl_99", "platform_redirect"},
		{"explicit", "send nudes", "explicit_language"},
		{"aggressive phrase", "just go die already", "aggressive_language"},
		{"escalation", "are you home alone tonight", "intimacy_escalation"},
		{"money lure", "I have an investment opportunity for you", "money_lure"},
		{"char flood", "heyyyyy", "char_flood"},
		{"word flood", "please please please answer", "word_flood"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Score(tt.text)
			if !hasSignal(result, tt.signal) {
				t.Fatalf("Score(%q) signals = %v, want %q to fire", tt.text, result.Signals, tt.signal)
			}
		})
	}
}

func TestScore_SignalsAccumulateAdditively(t *testing.T) {
	// Platform redirect (25) + escalation phrase (30).
	text := "add me on snapchat, send me a pic"
	result := Score(text)

	if !hasSignal(result, "platform_redirect") || !hasSignal(result, "intimacy_escalation") {
		t.Fatalf("expected both signals, got %v", result.Signals)
	}

	sum := 0
	for _, s := range result.Signals {
		if s.Points < 0 {
			t.Fatalf("signal %q has negative points %d", s.Name, s.Points)
		}
		sum += s.Points
	}
	if result.Total != sum {
		t.Fatalf("Total = %d, want additive sum %d", result.Total, sum)
	}
	if result.Total < 55 {
		t.Fatalf("Total = %d, want at least 55", result.Total)
	}
}

func TestScore_Deterministic(t *testing.T) {
	text := "find me on insta @sunset.girl, don't tell anyone"

	first := Score(text)
	for i := 0; i < 10; i++ {
		result := Score(text)
		if result.Total != first.Total || len(result.Signals) != len(first.Signals) {
			t.Fatalf("run %d: got %+v, want %+v", i, result, first)
		}
	}
}

func TestScore_WordBoundaries(t *testing.T) {
	tests := []struct {
		name string
		text string
		fire bool
	}{
		{"exact token", "nudes", true},
		{"token with punctuation", "nudes?!", true},
		{"uppercase", "NUDES", true},
		{"embedded substring", "renudesign is our new product", false},
		{"phrase split across words", "go home and die another day", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Score(tt.text)
			fired := hasSignal(result, "explicit_language") || hasSignal(result, "aggressive_language")
			if fired != tt.fire {
				t.Errorf("Score(%q) fired=%v, want %v (signals %v)", tt.text, fired, tt.fire, result.Signals)
			}
		})
	}
}

func TestScore_FloodDetectors(t *testing.T) {
	if !hasSignal(Score("aaaaab"), "char_flood") {
		t.Error("5 consecutive identical chars should fire char_flood")
	}
	if hasSignal(Score("aaab"), "char_flood") {
		t.Error("3 consecutive identical chars should not fire char_flood")
	}
	if !hasSignal(Score("hey hey hey"), "word_flood") {
		t.Error("3 consecutive identical words should fire word_flood")
	}
	if hasSignal(Score("hey there hey there hey"), "word_flood") {
		t.Error("non-consecutive repeats should not fire word_flood")
	}
}

// Rough hot-path guard: a long message with no signals must not allocate the
// scorer into a pathological path. This is not a benchmark, just a sanity
// check that scoring long clean text completes.
func TestScore_LongCleanText(t *testing.T) {
	text := strings.Repeat("the weather was lovely today and we talked for hours ", 40)
	if result := Score(text); result.Total != 0 {
		t.Fatalf("long clean text scored %d: %v", result.Total, result.Signals)
	}
}

func hasSignal(r Result, name string) bool {
	for _, s := range r.Signals {
		if s.Name == name {
			return true
		}
	}
	return false
}
