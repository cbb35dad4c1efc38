package dispatch

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseTargets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "plain", raw: "a,b,c", want: []string{"a", "b", "c"}},
		{name: "spaces", raw: " a , b ", want: []string{"a", "b"}},
		{name: "blanks dropped", raw: "a,,  ,b", want: []string{"a", "b"}},
		{name: "empty", raw: "", want: []string{}},
		{name: "only separators", raw: ",, ,", want: []string{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTargets(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseTargets(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestSplitMessages(t *testing.T) {
	t.Parallel()
	got := SplitMessages("hi\n\n  bye \r\nlast\n")
	want := []string{"hi", "bye", "last"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitMessages = %v, want %v", got, want)
	}
}

func TestResolveMessagesFromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\n\nthree\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := ResolveMessages("inline ignored", path)
	if err != nil {
		t.Fatalf("ResolveMessages: %v", err)
	}
	want := []string{"one", "two", "three"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ResolveMessages = %v, want %v", got, want)
	}
}

func TestResolveMessagesMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := ResolveMessages("", filepath.Join(t.TempDir(), "absent.txt")); err == nil {
		t.Fatal("expected error for missing message file")
	}
}

func TestResolveMessagesInline(t *testing.T) {
	t.Parallel()
	got, err := ResolveMessages("hi\nbye", "")
	if err != nil {
		t.Fatalf("ResolveMessages: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"hi", "bye"}) {
		t.Fatalf("unexpected messages: %v", got)
	}
}
