package payment

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"sync"

	"github.com/tidwall/gjson"
)

var ErrControlFrameEmitted = errors.New("payment: control frame already emitted")

type Format int

const (
	FormatSSE Format = iota + 1
	FormatNDJSON
)

// StreamFormat recognizes streaming content types.
func StreamFormat(contentType string) (Format, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, false
	}
	switch mediaType {
	case "text/event-stream":
		return FormatSSE, true
	case "application/x-ndjson", "application/jsonl", "application/json-seq":
		return FormatNDJSON, true
	default:
		return 0, false
	}
}

// ControlFrame renders the in-band frame carrying an encoded response payload.
func ControlFrame(format Format, value string) []byte {
	body, _ := json.Marshal(map[string]string{ControlKey: value})
	switch format {
	case FormatSSE:
		frame := make([]byte, 0, len(body)+8)
		frame = append(frame, "data: "...)
		frame = append(frame, body...)
		return append(frame, "\n\n"...)
	default:
		return append(body, '\n')
	}
}

// ControlWriter emits at most one control frame into a stream.
type ControlWriter struct {
	mu      sync.Mutex
	w       io.Writer
	format  Format
	emitted bool
}

func NewControlWriter(w io.Writer, format Format) *ControlWriter {
	return &ControlWriter{w: w, format: format}
}

func (c *ControlWriter) Emit(value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitted {
		return ErrControlFrameEmitted
	}
	c.emitted = true
	_, err := c.w.Write(ControlFrame(c.format, value))
	return err
}

func (c *ControlWriter) Emitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitted
}

// frameFilter removes control frames from a stream and passes every other
// byte through unchanged.
type frameFilter struct {
	src       io.ReadCloser
	r         *bufio.Reader
	format    Format
	onControl func(string)
	onClose   func()
	pending   []byte
	err       error
	closeOnce sync.Once
}

// NewStreamFilter wraps body. onControl receives the value of every
// control frame; onClose runs once when the stream ends or is closed.
func NewStreamFilter(format Format, body io.ReadCloser, onControl func(string), onClose func()) io.ReadCloser {
	return &frameFilter{
		src:       body,
		r:         bufio.NewReader(body),
		format:    format,
		onControl: onControl,
		onClose:   onClose,
	}
}

func (f *frameFilter) Read(p []byte) (int, error) {
	for len(f.pending) == 0 {
		if f.err != nil {
			if f.err == io.EOF {
				f.finish()
			}
			return 0, f.err
		}
		frame, err := f.nextFrame()
		if err != nil {
			f.err = err
		}
		if len(frame) > 0 && !f.isControl(frame) {
			f.pending = frame
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *frameFilter) Close() error {
	f.finish()
	return f.src.Close()
}

func (f *frameFilter) finish() {
	f.closeOnce.Do(func() {
		if f.onClose != nil {
			f.onClose()
		}
	})
}

func (f *frameFilter) nextFrame() ([]byte, error) {
	if f.format != FormatSSE {
		return f.r.ReadBytes('\n')
	}
	var frame []byte
	for {
		line, err := f.r.ReadBytes('\n')
		frame = append(frame, line...)
		if err != nil {
			return frame, err
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return frame, nil
		}
	}
}

func (f *frameFilter) isControl(frame []byte) bool {
	var payload []byte
	if f.format == FormatSSE {
		payload = sseData(frame)
	} else {
		payload = bytes.TrimSpace(frame)
	}
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return false
	}
	value := gjson.GetBytes(payload, ControlKey)
	if value.Type != gjson.String {
		return false
	}
	if f.onControl != nil {
		f.onControl(value.String())
	}
	return true
}

// sseData joins the data lines of one event.
func sseData(frame []byte) []byte {
	var data [][]byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.TrimPrefix(rest, []byte(" ")))
		}
	}
	return bytes.Join(data, []byte("\n"))
}
