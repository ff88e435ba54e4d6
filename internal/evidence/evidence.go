// Package evidence reports equivocation evidence to the operator
// through a bounded, overwrite-on-full ring buffer, so a slow
// consumer drops the oldest report rather than blocking the state
// machine (§7).
package evidence

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
	ring "github.com/zfjagann/golang-ring"

	"github.com/HoOngEe/codechain/consensus/tendermint/messages"
)

// Report pairs the two conflicting messages that prove a signer
// equivocated at a single VoteStep.
type Report struct {
	Step     messages.VoteStep
	Signer   uint64
	First    messages.ConsensusMessage
	Second   messages.ConsensusMessage
}

// Reporter buffers equivocation reports for an external consumer
// (e.g. a penalty contract, an operator dashboard).
type Reporter struct {
	mu  sync.Mutex
	buf ring.Ring
}

// NewReporter returns a Reporter with room for capacity reports;
// once full, the oldest report is evicted to make room for the new
// one.
func NewReporter(capacity int) *Reporter {
	r := &Reporter{}
	r.buf.SetCapacity(capacity)
	return r
}

// Report records a new equivocation.
func (r *Reporter) Report(report Report) {
	log.Warn("Equivocation detected", "height", report.Step.Height, "view", report.Step.View, "step", report.Step.Step, "signer", report.Signer)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Enqueue(report)
}

// Drain removes and returns every buffered report, oldest first.
func (r *Reporter) Drain() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Report
	for {
		v := r.buf.Dequeue()
		if v == nil {
			break
		}
		out = append(out, v.(Report))
	}
	return out
}
