package stt

import "testing"

func TestTranscriptAppend(t *testing.T) {
	var tr Transcript
	if tr.Append("   ") {
		t.Fatal("blank fragment should be ignored")
	}
	tr.Append("hello")
	tr.Append("  world\n")

	if got := tr.Text(); got != "hello world " {
		t.Fatalf("unexpected text %q", got)
	}
	frags := tr.Fragments()
	if len(frags) != 2 || frags[1] != "world " {
		t.Fatalf("unexpected fragments %v", frags)
	}
	frags[0] = "mutated"
	if tr.Fragments()[0] != "hello " {
		t.Fatal("Fragments must return a copy")
	}

	tr.Clear()
	if tr.Len() != 0 || tr.Text() != "" {
		t.Fatal("expected empty transcript after clear")
	}
}
