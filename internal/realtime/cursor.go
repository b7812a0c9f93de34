package realtime

// Observation is the verdict on one sequenced event.
type Observation struct {
	// Accept is false for events at or below the cursor.
	Accept bool
	// Missed is the number of events skipped over; > 0 means a gap.
	Missed int64
}

// Step is the pure cursor transition. seq 0 means the event carries no
// sequence number: it is accepted and leaves the cursor where it is. A jump
// of more than one past a non-zero cursor is a gap.
func Step(last, seq int64) (next int64, obs Observation) {
	if seq == 0 {
		return last, Observation{Accept: true}
	}
	if seq <= last {
		return last, Observation{}
	}
	obs.Accept = true
	if last != 0 && seq-last > 1 {
		obs.Missed = seq - last - 1
	}
	return seq, obs
}

// Cursor is the highest accepted ride-status sequence number. It never
// decreases except through Reset.
type Cursor struct {
	last int64
}

func (c *Cursor) Observe(seq int64) Observation {
	var obs Observation
	c.last, obs = Step(c.last, seq)
	return obs
}

func (c *Cursor) Last() int64 { return c.last }

func (c *Cursor) Reset() { c.last = 0 }
