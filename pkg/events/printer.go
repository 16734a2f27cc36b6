package events

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// PrinterFunc returns a router handler that writes events to w as they
// arrive. Partial completions carry the cumulative text, so only the part not
// printed yet is written.
func PrinterFunc(w io.Writer) func(msg *message.Message) error {
	var mu sync.Mutex
	printed := map[string]int{}

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()

		switch p_ := e.(type) {
		case *EventPartialCompletion:
			id := p_.Metadata().MessageID
			n := printed[id]
			if n > len(p_.Completion) {
				// the text was rewritten, start over on a new line
				n = 0
				if _, err := fmt.Fprintln(w); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprint(w, p_.Completion[n:]); err != nil {
				return err
			}
			printed[id] = len(p_.Completion)

		case *EventFinal:
			id := p_.Metadata().MessageID
			if n := printed[id]; n < len(p_.Text) {
				if _, err := fmt.Fprint(w, p_.Text[n:]); err != nil {
					return err
				}
			}
			delete(printed, id)
			if !strings.HasSuffix(p_.Text, "\n") {
				if _, err := fmt.Fprintln(w); err != nil {
					return err
				}
			}

		case *EventInterrupt:
			delete(printed, p_.Metadata().MessageID)
			if _, err := fmt.Fprintf(w, "\n[interrupted]\n"); err != nil {
				return err
			}

		case *EventError:
			delete(printed, p_.Metadata().MessageID)
			if _, err := fmt.Fprintf(w, "\n[error %s] %s\n", p_.Kind, p_.ErrorString); err != nil {
				return err
			}

		case *EventBeamOpen:
			if _, err := fmt.Fprintf(w, "--- beam opened on %d messages ---\n", p_.HistoryLength); err != nil {
				return err
			}

		case *EventBeamRay:
			v_, err := yaml.Marshal(map[string]string{
				"ray":    p_.Metadata().RayID,
				"model":  p_.Metadata().Model,
				"status": p_.Status,
				"error":  p_.Error,
			})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s\n", v_); err != nil {
				return err
			}

		case *EventBeamMerged:
			if _, err := fmt.Fprintf(w, "--- merged ray %s ---\n", p_.Metadata().RayID); err != nil {
				return err
			}

		case *EventBeamClosed:
			if _, err := fmt.Fprintf(w, "--- beam closed (%s) ---\n", p_.Reason); err != nil {
				return err
			}

		case *EventStart:
		}

		return nil
	}
}
