package util

import (
	"reflect"
	"testing"
)

func TestSentences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single no terminator", "just one", []string{"just one"}},
		{"two sentences", "First one. Second one!", []string{"First one.", "Second one!"}},
		{"decimal kept", "Latency is 3.5 ms. Fine.", []string{"Latency is 3.5 ms.", "Fine."}},
		{"newlines split", "line one\n\n  line two  ", []string{"line one", "line two"}},
		{"semicolon", "use redis; not memcached", []string{"use redis;", "not memcached"}},
		{"whitespace only", "   \n\t ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans := Sentences(tt.input)
			var got []string
			for _, s := range spans {
				got = append(got, s.Text)
				if tt.input[s.Start:s.End] != s.Text {
					t.Errorf("span [%d:%d] = %q, want %q", s.Start, s.End, tt.input[s.Start:s.End], s.Text)
				}
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Sentences(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestWords(t *testing.T) {
	input := "Don't cache 2.5GB, OK?"
	spans := Words(input)

	want := []string{"don't", "cache", "2.5gb", "ok"}
	var got []string
	for _, s := range spans {
		got = append(got, s.Text)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Words = %q, want %q", got, want)
	}
	if input[spans[2].Start:spans[2].End] != "2.5GB" {
		t.Errorf("offsets for third word = [%d:%d]", spans[2].Start, spans[2].End)
	}
}

func TestContentTokens(t *testing.T) {
	got := ContentTokens("The cache is not in the region")
	want := []string{"cache", "not", "region"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ContentTokens = %q, want %q", got, want)
	}
	if !IsStopword("the") || IsStopword("not") {
		t.Error("stopword list should include 'the' and exclude 'not'")
	}
	if set := TokenSet("cache cache region"); len(set) != 2 {
		t.Errorf("TokenSet size = %d, want 2", len(set))
	}
}

func TestContainsAnyWord(t *testing.T) {
	tests := []struct {
		text  string
		words []string
		want  bool
	}{
		{"Latency must drop", []string{"latency"}, true},
		{"Latency must drop", []string{"late"}, false},
		{"use the read replica", []string{"read replica"}, true},
		{"anything", nil, false},
		{"anything", []string{" "}, false},
	}
	for _, tt := range tests {
		if got := ContainsAnyWord(tt.text, tt.words); got != tt.want {
			t.Errorf("ContainsAnyWord(%q, %q) = %v, want %v", tt.text, tt.words, got, tt.want)
		}
	}
}
