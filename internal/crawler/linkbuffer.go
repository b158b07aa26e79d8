package crawler

// LinkBuffer is a worker's ordered list of hrefs discovered in one round. It
// holds at most Cap() entries; appends beyond capacity are dropped and
// counted, never stored.
type LinkBuffer struct {
	capacity int
	links    []string
	dropped  int
}

// NewLinkBuffer returns an empty buffer bounded at capacity entries. A
// negative capacity is treated as zero.
func NewLinkBuffer(capacity int) *LinkBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &LinkBuffer{
		capacity: capacity,
		links:    make([]string, 0, capacity),
	}
}

// Append stores href if there is room. It returns false once the buffer is
// full, in which case href is discarded.
func (b *LinkBuffer) Append(href string) bool {
	if len(b.links) >= b.capacity {
		b.dropped++
		return false
	}
	b.links = append(b.links, href)
	return true
}

// Fill appends hrefs in order until the buffer is full and returns how many
// were kept.
func (b *LinkBuffer) Fill(hrefs []string) int {
	kept := 0
	for i, href := range hrefs {
		if !b.Append(href) {
			b.dropped += len(hrefs) - i - 1
			break
		}
		kept++
	}
	return kept
}

// Len returns the number of stored links. A nil buffer is empty.
func (b *LinkBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.links)
}

// Cap returns the configured capacity.
func (b *LinkBuffer) Cap() int {
	if b == nil {
		return 0
	}
	return b.capacity
}

// Full reports whether further appends will be dropped.
func (b *LinkBuffer) Full() bool {
	return b.Len() >= b.Cap()
}

// Dropped returns how many hrefs were discarded due to the capacity bound.
func (b *LinkBuffer) Dropped() int {
	if b == nil {
		return 0
	}
	return b.dropped
}

// Links returns a copy of the stored hrefs in discovery order.
func (b *LinkBuffer) Links() []string {
	if b == nil {
		return []string{}
	}
	out := make([]string, len(b.links))
	copy(out, b.links)
	return out
}

// Release hands the contents to the caller and resets the buffer so it can
// be reused next round.
func (b *LinkBuffer) Release() []string {
	if b == nil {
		return []string{}
	}
	out := b.links
	b.links = make([]string, 0, b.capacity)
	b.dropped = 0
	return out
}
