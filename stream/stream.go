// Package stream 实现回复流的传输协议：一行一个 JSON 事件记录。
// 事件共四种：message_id（最早发出一次）、delta（零或多次，顺序拼接）、
// error（至多一次，终结）、done（成功时恰好一次，终结）
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// 事件类型
const (
	EventMessageID = "message_id"
	EventDelta     = "delta"
	EventError     = "error"
	EventDone      = "done"
)

// Event 协议中的一条记录
type Event struct {
	Type      string `json:"type"`
	MessageID uint   `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Terminal done 和 error 之后不再有任何事件
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Encoder 把事件逐行写出。底层 writer 支持 http.Flusher 时每行立即刷出，
// 保证增量内容不滞留在响应缓冲里
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

func (enc *Encoder) Encode(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal stream event")
	}
	data = append(data, '\n')
	if _, err := enc.w.Write(data); err != nil {
		return errors.Wrap(err, "write stream event")
	}
	if enc.flusher != nil {
		enc.flusher.Flush()
	}
	return nil
}

// Decoder 从无边界的字节流中按行还原事件。读到的块不一定在行边界上对齐：
// 未以换行结尾的尾巴会被保留到下一次 Next 调用。
// 生产者是有限的：遇到 done/error 或底层流关闭即终止
type Decoder struct {
	r        *bufio.Reader
	done     bool
	leftover []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next 返回下一条完整事件。流正常耗尽（终结事件之后，或 EOF 且无残留数据）
// 返回 io.EOF；终结事件之后继续调用也返回 io.EOF
func (dec *Decoder) Next() (Event, error) {
	if dec.done {
		return Event{}, io.EOF
	}

	for {
		chunk, err := dec.r.ReadBytes('\n')
		if len(chunk) > 0 {
			dec.leftover = append(dec.leftover, chunk...)
		}

		if err != nil {
			if err == io.EOF {
				if len(trimNewline(dec.leftover)) == 0 {
					dec.done = true
					return Event{}, io.EOF
				}
				// EOF 前的最后一行可以没有换行符
				return dec.emit()
			}
			return Event{}, errors.Wrap(err, "read stream")
		}

		if len(trimNewline(dec.leftover)) == 0 {
			// 空行跳过
			dec.leftover = dec.leftover[:0]
			continue
		}
		return dec.emit()
	}
}

func (dec *Decoder) emit() (Event, error) {
	line := trimNewline(dec.leftover)
	dec.leftover = nil

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		dec.done = true
		return Event{}, errors.Wrapf(err, "malformed stream record %q", line)
	}
	if ev.Terminal() {
		dec.done = true
	}
	return ev, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
