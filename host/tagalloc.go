package host

// tagAllocator picks an unused 8-bit channel discriminator; tag 0 is reserved, so the space is 1..255. Allocation is a linear
// scan from the last handed-out value, which is simple and fine at the
// scale (tens to low hundreds of concurrent channels per socket) this
// transport targets.
type tagAllocator struct {
	next uint8
}

// alloc returns the first tag starting from the last one handed out for
// which inUse reports false.
func (a *tagAllocator) alloc(inUse func(uint8) bool) uint8 {
	for i := 0; i < 255; i++ {
		a.next++
		if a.next == 0 {
			a.next = 1
		}
		if !inUse(a.next) {
			return a.next
		}
	}
	return a.next
}
