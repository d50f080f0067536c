package transport

import (
	"testing"
)

func TestLineBuffer_SingleChunk(t *testing.T) {
	var lb lineBuffer
	recs := lb.Append([]byte("{\"id\":1}\n{\"id\":2}\n"))
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if string(recs[0]) != `{"id":1}` || string(recs[1]) != `{"id":2}` {
		t.Errorf("records = %q, %q", recs[0], recs[1])
	}
}

func TestLineBuffer_MidRecordSplits(t *testing.T) {
	// Two records delivered across arbitrary chunk boundaries,
	// including splits in the middle of a record.
	chunks := []string{
		`{"id":1,"resu`,
		`lt":{"ok":true}}` + "\n" + `{"id"`,
		`:2,"error":{"code":-1,"mess`,
		`age":"x"}}`,
		"\n",
	}

	var lb lineBuffer
	var got []string
	for _, c := range chunks {
		for _, rec := range lb.Append([]byte(c)) {
			got = append(got, string(rec))
		}
	}

	want := []string{
		`{"id":1,"result":{"ok":true}}`,
		`{"id":2,"error":{"code":-1,"message":"x"}}`,
	}
	if len(got) != len(want) {
		t.Fatalf("records = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
	if lb.Pending() != 0 {
		t.Errorf("pending = %d, want 0", lb.Pending())
	}
}

func TestLineBuffer_ByteAtATime(t *testing.T) {
	input := "{\"id\":7,\"result\":{}}\n"

	var lb lineBuffer
	var got []string
	for i := 0; i < len(input); i++ {
		for _, rec := range lb.Append([]byte{input[i]}) {
			got = append(got, string(rec))
		}
	}

	if len(got) != 1 || got[0] != `{"id":7,"result":{}}` {
		t.Errorf("records = %v", got)
	}
}

func TestLineBuffer_DropsBlankLines(t *testing.T) {
	var lb lineBuffer
	recs := lb.Append([]byte("\n\n  \n{\"id\":1}\n\r\n"))
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1 (blank lines dropped)", len(recs))
	}
}

func TestLineBuffer_TrailingPartialBuffered(t *testing.T) {
	var lb lineBuffer
	if recs := lb.Append([]byte(`{"id":`)); len(recs) != 0 {
		t.Fatalf("partial line produced %d records", len(recs))
	}
	if lb.Pending() == 0 {
		t.Error("partial line should be buffered")
	}
	recs := lb.Append([]byte("1}\n"))
	if len(recs) != 1 || string(recs[0]) != `{"id":1}` {
		t.Errorf("records = %v", recs)
	}
}
