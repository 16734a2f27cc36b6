// Package stream decodes the framed response stream of a model backend into
// cumulative text updates.
//
// A stream starts with zero or more JSON preamble objects written back to
// back, a start marker {"type":"start"} and a model marker {"model":"..."},
// followed by raw UTF-8 text until EOF. Once the model marker is seen, or as
// soon as the stream does not start with '{', everything is text and is never
// parsed again.
package stream

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/go-go-golems/confab/pkg/backend"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrMalformedPreamble = errors.New("malformed stream preamble")

// Update is a snapshot of the decoded stream. TextSoFar is cumulative:
// consumers replace what they show, they never append.
type Update struct {
	TextSoFar string
	// Typing is set while the backend is producing output.
	Typing bool
	// OriginLLM is the model that actually served the request, which can
	// differ from the requested one.
	OriginLLM string
	Done      bool
	// Aborted is set on the final update of a cancelled stream.
	Aborted bool
	// Err is the terminal error of the final update, if any.
	Err error
}

type decoderPhase int

const (
	phasePreamble decoderPhase = iota
	phaseText
)

// Decoder is an io.WriteCloser fed with arbitrary chunks of a stream. It is
// not safe for concurrent use.
type Decoder struct {
	phase     decoderPhase
	pending   []byte
	text      []byte
	originLLM string
	typing    bool
	preambles int
	err       error
	onUpdate  func(Update)
}

func NewDecoder(onUpdate func(Update)) *Decoder {
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}
	return &Decoder{onUpdate: onUpdate}
}

func (d *Decoder) Text() string      { return string(d.text) }
func (d *Decoder) OriginLLM() string { return d.originLLM }

// Preambles returns the number of preamble objects consumed.
func (d *Decoder) Preambles() int { return d.preambles }

// Snapshot returns the current state as a non-final update.
func (d *Decoder) Snapshot() Update {
	return Update{TextSoFar: string(d.text), Typing: d.typing, OriginLLM: d.originLLM}
}

// Write consumes a chunk. A malformed preamble fails this and every later call.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.pending = append(d.pending, p...)

	if d.phase == phasePreamble {
		changed, err := d.consumePreambles()
		if err != nil {
			d.err = err
			return 0, err
		}
		if changed {
			d.onUpdate(d.Snapshot())
		}
		if d.phase == phasePreamble {
			return len(p), nil
		}
	}

	if d.consumeText(false) {
		d.onUpdate(d.Snapshot())
	}
	return len(p), nil
}

// Close flushes held-back bytes. An unfinished preamble is an error.
func (d *Decoder) Close() error {
	if d.err != nil {
		return d.err
	}
	if d.phase == phasePreamble && len(d.pending) > 0 {
		d.err = backend.NewParseError(errors.Wrap(ErrMalformedPreamble, "stream ended inside a preamble"))
		return d.err
	}
	if d.consumeText(true) {
		d.onUpdate(d.Snapshot())
	}
	return nil
}

func (d *Decoder) consumePreambles() (bool, error) {
	changed := false
	for d.phase == phasePreamble && len(d.pending) > 0 {
		if d.pending[0] != '{' {
			d.phase = phaseText
			break
		}
		end := matchObject(d.pending)
		if end < 0 {
			// wait for the rest of the object
			break
		}
		obj := d.pending[:end+1]
		if err := d.applyPreamble(obj); err != nil {
			return changed, err
		}
		d.pending = d.pending[end+1:]
		d.preambles++
		changed = true
	}
	return changed, nil
}

type preamble struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

func (d *Decoder) applyPreamble(obj []byte) error {
	var p preamble
	if err := json.Unmarshal(obj, &p); err != nil {
		return backend.NewParseError(errors.Wrapf(ErrMalformedPreamble, "%v", err))
	}
	switch {
	case p.Model != "":
		d.originLLM = p.Model
		d.typing = true
		d.phase = phaseText
	case p.Type == "start":
		d.typing = true
	default:
		log.Debug().Str("preamble", string(obj)).Msg("ignoring unknown stream preamble")
	}
	return nil
}

// consumeText moves pending bytes into the text, holding back an incomplete
// UTF-8 sequence at the end unless flush is set.
func (d *Decoder) consumeText(flush bool) bool {
	if len(d.pending) == 0 {
		return false
	}
	n := len(d.pending)
	if !flush {
		n = completePrefix(d.pending)
	}
	if n == 0 {
		return false
	}
	d.text = append(d.text, d.pending[:n]...)
	d.pending = append(d.pending[:0], d.pending[n:]...)
	d.typing = true
	return true
}

// completePrefix returns the length of b without a trailing incomplete UTF-8
// sequence.
func completePrefix(b []byte) int {
	// a rune is at most utf8.UTFMax bytes, so only the tail needs a look
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// matchObject returns the index of the brace closing the object that starts
// at b[0], or -1 if the object is not complete yet. Braces inside strings do
// not count.
func matchObject(b []byte) int {
	depth := 0
	inString := false
	escaped := false
	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
