package slab

// Ring is the elastic in-memory staging buffer for one checkpoint's bytes.
//
// The original design links slabs with intrusive next/prev pointers (see
// DESIGN.md). Here the ring owns a plain slice of *Slab plus integer
// head/tail/current cursors — an index arena — which gives the same
// growth/shrink behavior without unsafe aliasing. head is never evicted
// while the ring lives; slabs are appended at the tail and evicted from
// the tail.
type Ring struct {
	slabs      []*Slab
	current    int // index into slabs of the active write slab
	readIdx    int // index into slabs of the active read slab
	slabTotal  int // sum of all slabs' Size()
	slabSize   int
	strikes    int
	maxStrikes int
}

// Config bundles the elastic-sizing policy's tunables (§3).
type Config struct {
	SlabSize            int
	MaxStrikesDelaySecs int
	FreqMS              int
}

// New creates a ring with a single head slab already allocated.
func New(cfg Config) *Ring {
	slabSize := cfg.SlabSize
	if slabSize <= 0 {
		slabSize = DefaultSize
	}

	maxStrikes := 1
	if cfg.FreqMS > 0 {
		maxStrikes = cfg.MaxStrikesDelaySecs * 1000 / cfg.FreqMS
		if maxStrikes < 1 {
			maxStrikes = 1
		}
	}

	return &Ring{
		slabs:      []*Slab{newSlab(slabSize)},
		slabSize:   slabSize,
		maxStrikes: maxStrikes,
	}
}

// NbSlabs returns the current number of slabs in the chain.
func (r *Ring) NbSlabs() int { return len(r.slabs) }

// SlabTotal returns the sum of valid bytes across the whole chain.
func (r *Ring) SlabTotal() int { return r.slabTotal }

// head is always slabs[0] and is never freed while the ring lives.
func (r *Ring) head() *Slab { return r.slabs[0] }

// Put appends bytes to the ring, advancing to (allocating if needed) the
// next slab whenever the current one fills. It never short-writes: the
// returned count always equals len(p).
func (r *Ring) Put(p []byte) int {
	written := 0
	for len(p) > 0 {
		cur := r.slabs[r.current]
		room := cur.Cap() - cur.size
		if room == 0 {
			r.advanceForWrite()
			continue
		}

		n := room
		if n > len(p) {
			n = len(p)
		}

		copy(cur.buf[cur.size:cur.size+n], p[:n])
		cur.size += n
		r.slabTotal += n
		written += n
		p = p[n:]
	}

	return written
}

// advanceForWrite moves the write cursor to the next slab, allocating
// and linking a new tail slab if the chain doesn't have one yet.
func (r *Ring) advanceForWrite() {
	if r.current == len(r.slabs)-1 {
		r.slabs = append(r.slabs, newSlab(r.slabSize))
	}
	r.current++
}

// Get reads up to n bytes starting from the current read cursor, crossing
// slab boundaries as needed. It returns the number of bytes actually
// produced, which is less than n only at the end of the ring.
func (r *Ring) Get(out []byte, n int) int {
	if n > len(out) {
		n = len(out)
	}

	produced := 0
	for produced < n {
		for r.readIdx < len(r.slabs)-1 && r.slabs[r.readIdx].read >= r.slabs[r.readIdx].size {
			r.readIdx++
		}
		if r.readIdx >= len(r.slabs) {
			break
		}

		cur := r.slabs[r.readIdx]
		avail := cur.size - cur.read
		if avail == 0 {
			break
		}

		want := n - produced
		if want > avail {
			want = avail
		}

		copy(out[produced:produced+want], cur.buf[cur.read:cur.read+want])
		cur.read += want
		produced += want
	}

	return produced
}

// Reset is invoked at the start of every tick. It applies the
// elastic-sizing policy (§3), then rewinds the ring to an empty head
// slab. Surviving non-head slabs retain their backing allocation but are
// logically empty.
func (r *Ring) Reset() {
	r.applyElasticSizing()

	for _, s := range r.slabs {
		s.size = 0
		s.read = 0
	}

	r.current = 0
	r.readIdx = 0
	r.slabTotal = 0
}

// applyElasticSizing implements the strike-counting shrink policy from
// §3: if the previous tick left at least one slab's worth of headroom
// unused, record a strike; once max_strikes is reached, cut the tail in
// half. A tick that actually filled every slab resets the counter.
func (r *Ring) applyElasticSizing() {
	nb := len(r.slabs)

	if nb >= 2 && r.slabTotal <= (nb-1)*r.slabSize {
		r.strikes++
	}

	filledAll := r.slabTotal >= nb*r.slabSize
	if filledAll {
		r.strikes = 0
		return
	}

	if r.strikes >= r.maxStrikes {
		toFree := (nb - 1) / 2
		if toFree < 1 {
			toFree = 1
		}
		if toFree > nb-1 {
			toFree = nb - 1
		}

		r.slabs = r.slabs[:nb-toFree]
		r.strikes = 0
	}
}

// Close releases every slab. The ring must not be used afterwards.
func (r *Ring) Close() error {
	r.slabs = nil
	return nil
}
