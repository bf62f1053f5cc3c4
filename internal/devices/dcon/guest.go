package dcon

// GuestView is the guest driver's half of the shared page. The real guest
// maps the ring page and runs this logic itself; in-process guest stubs and
// tests use this instead.
type GuestView struct {
	d *DebugConsole
}

// Guest returns the guest-side view of the console.
func (d *DebugConsole) Guest() *GuestView {
	return &GuestView{d: d}
}

// Write produces console output into the rx ring, stopping when the ring is
// full. Returns how many bytes were accepted; the guest follows up with
// HVC_DC_WRITE to have the host drain them.
func (g *GuestView) Write(p []byte) int {
	r := g.d.rx
	size := r.Size()

	n := 0
	for _, ch := range p {
		widx := r.Widx()
		if widx-r.Ridx() >= size {
			break
		}
		r.SetByte(widx, ch)
		r.SetWidx(widx + 1)
		n++
	}
	return n
}

// Read consumes host input from the tx ring into p, returning how many
// bytes were available.
func (g *GuestView) Read(p []byte) int {
	r := g.d.tx

	n := 0
	for n < len(p) {
		ridx := r.Ridx()
		if ridx == r.Widx() {
			break
		}
		p[n] = r.Byte(ridx)
		r.SetRidx(ridx + 1)
		n++
	}
	return n
}
