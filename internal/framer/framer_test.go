package framer

import (
	"strings"
	"testing"
)

func TestFramingSplit(t *testing.T) {
	f := New()
	var got []string
	f.Event.Attach(func(s string) { got = append(got, s) })

	f.Feed([]byte(`{"key":"value"`))
	if len(got) != 0 {
		t.Fatalf("emitted before closing brace: %v", got)
	}
	f.Feed([]byte(`}`))
	if len(got) != 1 || got[0] != `{"key":"value"}` {
		t.Fatalf("got %v, want one emission of the full object", got)
	}
}

func TestEscapeInsideStringByteByByte(t *testing.T) {
	f := New()
	var got []string
	f.Event.Attach(func(s string) { got = append(got, s) })

	input := `{"k":"a\"b"}`
	for i := 0; i < len(input); i++ {
		f.Feed([]byte{input[i]})
	}

	if len(got) != 1 || got[0] != input {
		t.Fatalf("got %v, want one emission of %q", got, input)
	}
}

func TestNestedObject(t *testing.T) {
	f := New()
	var got []string
	f.Event.Attach(func(s string) { got = append(got, s) })

	f.Feed([]byte(`{"key0":{"key1":"value"`))
	if len(got) != 0 {
		t.Fatalf("emitted too early: %v", got)
	}
	f.Feed([]byte(`}`))
	if len(got) != 0 {
		t.Fatalf("emitted after only inner close: %v", got)
	}
	f.Feed([]byte(`}`))
	want := `{"key0":{"key1":"value"}}`
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %v, want %q", got, want)
	}
}

func TestWhitespaceOnlyNeverEmits(t *testing.T) {
	f := New()
	fired := false
	f.Event.Attach(func(string) { fired = true })
	f.Feed([]byte("   \t\n  "))
	f.FeedEOF()
	if fired {
		t.Fatal("whitespace-only buffer should never emit")
	}
}

func TestInvalidTopLevelByteEmitsImmediately(t *testing.T) {
	f := New()
	var got []string
	f.Event.Attach(func(s string) { got = append(got, s) })
	f.Feed([]byte(`]`))
	if len(got) != 1 || got[0] != "]" {
		t.Fatalf("got %v, want one emission of %q", got, "]")
	}
}

func TestChunkingInvariance(t *testing.T) {
	input := `{"a":1}  [1,2,3]{"nested":{"x":"y\\n\"z\""}}`

	oneShot := New()
	var wantSeq []string
	oneShot.Event.Attach(func(s string) { wantSeq = append(wantSeq, s) })
	oneShot.Feed([]byte(input))
	oneShot.FeedEOF()

	for chunkSize := 1; chunkSize <= len(input); chunkSize++ {
		f := New()
		var got []string
		f.Event.Attach(func(s string) { got = append(got, s) })
		for i := 0; i < len(input); i += chunkSize {
			end := i + chunkSize
			if end > len(input) {
				end = len(input)
			}
			f.Feed([]byte(input[i:end]))
		}
		f.FeedEOF()

		if strings.Join(got, "|") != strings.Join(wantSeq, "|") {
			t.Fatalf("chunk size %d: got %v, want %v", chunkSize, got, wantSeq)
		}
	}
}

func TestFeedFileReadsInChunksAndFlushesEOF(t *testing.T) {
	f := New()
	var got []string
	f.Event.Attach(func(s string) { got = append(got, s) })

	r := strings.NewReader(`{"a":1}{"b":2}`)
	if err := f.FeedFile(r); err != nil {
		t.Fatalf("FeedFile: %v", err)
	}
	want := []string{`{"a":1}`, `{"b":2}`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
