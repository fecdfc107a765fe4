package oracle

// history is a fixed-capacity ring of the most recent samples for one market.
type history struct {
	buf  []PriceSample
	next int
	full bool
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]PriceSample, capacity)}
}

func (h *history) push(s PriceSample) {
	h.buf[h.next] = s
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) len() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

func (h *history) latest() (PriceSample, bool) {
	if h.len() == 0 {
		return PriceSample{}, false
	}
	i := (h.next - 1 + len(h.buf)) % len(h.buf)
	return h.buf[i], true
}

// snapshot returns samples oldest first.
func (h *history) snapshot() []PriceSample {
	n := h.len()
	out := make([]PriceSample, 0, n)
	start := 0
	if h.full {
		start = h.next
	}
	for i := 0; i < n; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}
