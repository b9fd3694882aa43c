package plan

// Serialize renders the plan back to document bytes. Every byte of the source
// document is preserved except the status marker of tasks whose status
// changed, so a round-trip with no status changes is byte-identical.
func (p *Plan) Serialize() []byte {
	out := append([]byte(nil), p.raw...)
	for _, t := range p.Tasks() {
		if t.markerOffset >= 0 && t.markerOffset < len(out) {
			out[t.markerOffset] = t.Status.Marker()
		}
	}
	return out
}
