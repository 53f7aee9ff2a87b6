package pipeline

import (
	"io"
	"unicode/utf8"

	"github.com/gravitational/trace"
)

// replacingWriter applies Rules to a stream of decoded text without ever
// buffering the whole body. Each write appends to a carry buffer; once the
// buffer grows past the retention window the rules are applied and
// everything but the trailing window is emitted downstream. The retained
// tail is already-substituted text and is rescanned together with the next
// write, which is how matches that straddle write boundaries still
// complete. Rules therefore need to be stable on their own output, which
// holds for literal patterns that do not overlap their replacements.
//
// The input must be valid UTF-8; callers put a decoding transform in front
// so that multi-byte code points are never split across writes.
type replacingWriter struct {
	dst   io.Writer
	rules *Rules
	carry []byte
}

func (w *replacingWriter) Write(p []byte) (int, error) {
	w.carry = append(w.carry, p...)
	if len(w.carry) <= w.rules.window {
		return len(p), nil
	}

	processed := w.rules.Apply(string(w.carry))
	cut := len(processed) - w.rules.window
	// Never emit half a code point.
	for cut > 0 && !utf8.RuneStart(processed[cut]) {
		cut--
	}
	if cut <= 0 {
		w.carry = append(w.carry[:0], processed...)
		return len(p), nil
	}

	if _, err := io.WriteString(w.dst, processed[:cut]); err != nil {
		return len(p), trace.Wrap(err)
	}
	w.carry = append(w.carry[:0], processed[cut:]...)
	return len(p), nil
}

// flushRemainder rewrites and emits whatever is still buffered. Called
// exactly once, when the stream ends.
func (w *replacingWriter) flushRemainder() error {
	if len(w.carry) == 0 {
		return nil
	}
	processed := w.rules.Apply(string(w.carry))
	w.carry = nil
	_, err := io.WriteString(w.dst, processed)
	return trace.Wrap(err)
}
