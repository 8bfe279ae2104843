package normalize

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/openquant/tickerd/pkg/types"
)

type seqKey struct {
	source string
	symbol string
	typ    types.EventType
}

type seqState struct {
	last        uint64
	lastPayload types.Payload
}

// tracker watches sequence numbers per (source, symbol, type). Duplicates
// with identical payloads are suppressed; regressions and gaps produce
// companion integrity events but still deliver the data.
type tracker struct {
	mu   sync.Mutex
	seen map[seqKey]*seqState
}

func newTracker() *tracker {
	return &tracker{seen: make(map[seqKey]*seqState)}
}

// observe inspects ev's sequence. A nil return means deliver as-is.
func (t *tracker) observe(ev *types.Event) *Result {
	key := seqKey{source: ev.Source, symbol: ev.CanonicalSymbol, typ: ev.Type}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.seen[key]
	if !ok {
		t.seen[key] = &seqState{last: ev.Sequence, lastPayload: ev.Payload}
		return nil
	}

	switch {
	case ev.Sequence == st.last:
		if reflect.DeepEqual(ev.Payload, st.lastPayload) {
			integ := types.NewIntegrity(ev.Source, ev.CanonicalSymbol, types.IntegrityDuplicate,
				fmt.Sprintf("duplicate sequence %d", ev.Sequence))
			return &Result{Outcome: OutcomeDrop, Integrity: &integ}
		}
		// Same sequence, different payload: deliver and flag.
		integ := types.NewIntegrity(ev.Source, ev.CanonicalSymbol, types.IntegrityOutOfOrder,
			fmt.Sprintf("sequence %d reused with different payload", ev.Sequence))
		return &Result{Outcome: OutcomeAccept, Event: *ev, Integrity: &integ}

	case ev.Sequence < st.last:
		integ := types.NewIntegrity(ev.Source, ev.CanonicalSymbol, types.IntegrityOutOfOrder,
			fmt.Sprintf("sequence regressed from %d to %d", st.last, ev.Sequence))
		st.last = ev.Sequence
		st.lastPayload = ev.Payload
		return &Result{Outcome: OutcomeAccept, Event: *ev, Integrity: &integ}

	case ev.Sequence > st.last+1:
		integ := types.NewIntegrity(ev.Source, ev.CanonicalSymbol, types.IntegrityGap,
			fmt.Sprintf("sequence gap from %d to %d", st.last, ev.Sequence))
		st.last = ev.Sequence
		st.lastPayload = ev.Payload
		return &Result{Outcome: OutcomeAccept, Event: *ev, Integrity: &integ}
	}

	st.last = ev.Sequence
	st.lastPayload = ev.Payload
	return nil
}

// Reset forgets the sequence state for a source, e.g. after a provider
// reconnect announces a sequence reset.
func (t *tracker) reset(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.seen {
		if key.source == source {
			delete(t.seen, key)
		}
	}
}

// ResetSource forgets all sequence state for a source
func (n *Normalizer) ResetSource(source string) {
	n.tracker.reset(source)
}
