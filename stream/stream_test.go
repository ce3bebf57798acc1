package stream

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

// chunkReader 每次 Read 至多返回 n 字节，模拟与行边界不对齐的传输分块
type chunkReader struct {
	data []byte
	n    int
	pos  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	end := c.pos + c.n
	if end > len(c.data) {
		end = len(c.data)
	}
	if end-c.pos > len(p) {
		end = c.pos + len(p)
	}
	n := copy(p, c.data[c.pos:end])
	c.pos += n
	return n, nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	events := []Event{
		{Type: EventMessageID, MessageID: 42},
		{Type: EventDelta, Content: "你好"},
		{Type: EventDelta, Content: ", world"},
		{Type: EventDone},
	}
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range events {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if got != want {
			t.Errorf("event %d: expected %+v, got %+v", i, want, got)
		}
	}

	// done 之后流结束
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after done, got %v", err)
	}
}

func TestDecoderUnalignedChunks(t *testing.T) {
	raw := `{"type":"message_id","message_id":7}` + "\n" +
		`{"type":"delta","content":"abc"}` + "\n" +
		`{"type":"delta","content":"def"}` + "\n" +
		`{"type":"done"}` + "\n"

	// 1 字节一块的极端情况也必须正确还原事件
	for _, size := range []int{1, 3, 7, 1024} {
		dec := NewDecoder(&chunkReader{data: []byte(raw), n: size})

		var got []Event
		for {
			ev, err := dec.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("chunk size %d: %v", size, err)
			}
			got = append(got, ev)
		}

		if len(got) != 4 {
			t.Fatalf("chunk size %d: expected 4 events, got %d", size, len(got))
		}
		if got[0].Type != EventMessageID || got[0].MessageID != 7 {
			t.Errorf("chunk size %d: bad first event %+v", size, got[0])
		}
		if got[1].Content+got[2].Content != "abcdef" {
			t.Errorf("chunk size %d: deltas reassembled wrong", size)
		}
		if got[3].Type != EventDone {
			t.Errorf("chunk size %d: expected done last", size)
		}
	}
}

func TestDecoderTrailingLineWithoutNewline(t *testing.T) {
	raw := `{"type":"delta","content":"x"}` + "\n" + `{"type":"done"}`
	dec := NewDecoder(strings.NewReader(raw))

	ev, err := dec.Next()
	if err != nil || ev.Content != "x" {
		t.Fatalf("unexpected %+v %v", ev, err)
	}
	ev, err = dec.Next()
	if err != nil || ev.Type != EventDone {
		t.Fatalf("trailing line without newline should still decode, got %+v %v", ev, err)
	}
}

func TestDecoderErrorIsTerminal(t *testing.T) {
	raw := `{"type":"error","content":"upstream failed"}` + "\n" +
		`{"type":"delta","content":"should not be read"}` + "\n"
	dec := NewDecoder(strings.NewReader(raw))

	ev, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventError || ev.Content != "upstream failed" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("error event must terminate the stream, got %v", err)
	}
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	raw := "\n" + `{"type":"delta","content":"a"}` + "\n\n" + `{"type":"done"}` + "\n"
	dec := NewDecoder(strings.NewReader(raw))

	ev, err := dec.Next()
	if err != nil || ev.Content != "a" {
		t.Fatalf("unexpected %+v %v", ev, err)
	}
	ev, err = dec.Next()
	if err != nil || ev.Type != EventDone {
		t.Fatalf("unexpected %+v %v", ev, err)
	}
}

func TestDecoderMalformedRecord(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json\n"))
	if _, err := dec.Next(); err == nil {
		t.Error("expected error for malformed record")
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Error("malformed record should terminate the stream")
	}
}

func TestDecoderEmptyStream(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}
