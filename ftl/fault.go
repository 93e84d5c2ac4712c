package ftl

// fault tracks flash operation failures and other notable-but-tolerated
// conditions the original C++ core would have asserted on. It is sticky —
// only Format (including the Format that Start falls back to) clears it —
// and is surfaced through Check, per the
// Design Notes' guidance that GC/exhaustion asserts and flash op failures
// should become observable rather than abort the process.
type fault struct {
	count       int
	notable     int
	lastMessage string
}

func (f *fault) record(msg string) {
	f.count++
	f.lastMessage = msg
}

// observeNotable records a tolerated-but-worth-knowing condition, such as
// the RAM simulator re-erasing an already-erased block. It does not count
// toward Count(), which gates Check()'s pass/fail verdict.
func (f *fault) observeNotable() {
	f.notable++
}

// Count returns the number of hard faults recorded (flash op failures, GC
// exhaustion). A non-zero Count means Check() will report failure.
func (f *fault) Count() int { return f.count }

// NotableCount returns the number of tolerated-but-notable conditions
// observed (does not affect Check()'s verdict).
func (f *fault) NotableCount() int { return f.notable }

// LastMessage describes the most recent hard fault, if any.
func (f *fault) LastMessage() string { return f.lastMessage }

func (f *fault) reset() {
	f.count = 0
	f.notable = 0
	f.lastMessage = ""
}
