package slha

import "math"

// Lookup identifies a cross-section record in a Document. A zero Sqrts
// matches rows at any energy.
type Lookup struct {
	Sqrts float64
	PIDs  []int
}

// CrossSection returns the highest QCD-order row of the record named by l.
// Rows tied on order keep file order, so the first one wins. The boolean is
// false when the record is absent or no row matches the energy.
func (d *Document) CrossSection(l Lookup) (XSectionEntry, bool) {
	xs, ok := d.XSections[ProcessKey(l.PIDs)]
	if !ok {
		return XSectionEntry{}, false
	}
	var (
		best  XSectionEntry
		found bool
	)
	for _, e := range xs.Entries {
		if l.Sqrts != 0 && !sameEnergy(e.Sqrts, l.Sqrts) {
			continue
		}
		if !found || e.QCDOrder > best.QCDOrder {
			best = e
			found = true
		}
	}
	return best, found
}

// Resolve looks up every tag in lookups. Tags without a matching record are
// absent from the result.
func (d *Document) Resolve(lookups map[string]Lookup) map[string]XSectionEntry {
	out := make(map[string]XSectionEntry, len(lookups))
	for tag, l := range lookups {
		if e, ok := d.CrossSection(l); ok {
			out[tag] = e
		}
	}
	return out
}

func sameEnergy(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}
