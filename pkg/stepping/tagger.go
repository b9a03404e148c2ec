package stepping

import (
	"github.com/Manu343726/dmtrap/pkg/host"
)

// Tagger stamps instance tags on activation records.
//
// The tag lives in a scratch field of the host's activation record that the host never
// reads. The host clears it when it reuses a record for a new activation, which is what
// lets two activations at the same address be told apart.
type Tagger struct {
	acc  *host.Accessor
	next uint16
}

// NewTagger creates a tagger writing through an accessor
func NewTagger(acc *host.Accessor) *Tagger {
	return &Tagger{acc: acc}
}

// Stamp returns the instance of a context, tagging it first if it has no tag yet
func (t *Tagger) Stamp(ctx host.Context) (Instance, error) {
	frame, err := t.acc.Read(ctx)
	if err != nil {
		return Instance{}, err
	}

	if frame.Tag == 0 {
		t.next++
		if t.next == 0 {
			// 0 means untagged
			t.next = 1
		}
		if err := t.acc.SetTag(ctx, t.next); err != nil {
			return Instance{}, err
		}
		frame.Tag = t.next
	}

	return Instance{Proc: frame.Proc, Tag: frame.Tag}, nil
}

// Peek returns the instance of a context without tagging it. Untagged contexts have tag 0
// and never equal a stamped instance.
func (t *Tagger) Peek(ctx host.Context) (Instance, error) {
	frame, err := t.acc.Read(ctx)
	if err != nil {
		return Instance{}, err
	}
	return Instance{Proc: frame.Proc, Tag: frame.Tag}, nil
}

// Reset restarts tag numbering
func (t *Tagger) Reset() {
	t.next = 0
}
