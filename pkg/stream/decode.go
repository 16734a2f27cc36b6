package stream

import (
	"context"
	"io"

	"github.com/go-go-golems/confab/pkg/backend"
	"github.com/pkg/errors"
)

const readBufferSize = 4096

// Decode reads r to the end, reporting every change through fn, and returns
// the final update, which is also passed to fn. Cancellation is checked
// between reads; a cancelled stream keeps the text received so far.
func Decode(ctx context.Context, r io.Reader, fn func(Update)) Update {
	if fn == nil {
		fn = func(Update) {}
	}
	d := NewDecoder(fn)
	buf := make([]byte, readBufferSize)

	finish := func(u Update) Update {
		u.Done = true
		u.Typing = false
		fn(u)
		return u
	}

	for {
		if ctx.Err() != nil {
			u := d.Snapshot()
			u.Aborted = true
			return finish(u)
		}

		n, err := r.Read(buf)
		if n > 0 {
			if _, wErr := d.Write(buf[:n]); wErr != nil {
				u := d.Snapshot()
				u.Err = wErr
				return finish(u)
			}
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			if cErr := d.Close(); cErr != nil {
				u := d.Snapshot()
				u.Err = cErr
				return finish(u)
			}
			return finish(d.Snapshot())
		}
		if ctx.Err() != nil || backend.IsAbort(err) {
			u := d.Snapshot()
			u.Aborted = true
			return finish(u)
		}
		u := d.Snapshot()
		var be *backend.Error
		if !errors.As(err, &be) {
			err = backend.NewConnectionError(err)
		}
		u.Err = err
		return finish(u)
	}
}
