// Package slha reads SUSY Les Houches Accord spectrum files: parameter
// blocks, decay tables and the XSECTION cross-section records.
package slha

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a file cannot be read as SLHA blocks.
var ErrMalformed = errors.New("malformed slha input")

// Entry is one data line of a BLOCK, split on whitespace.
type Entry struct {
	Fields []string
}

// Block is a named BLOCK with its data lines in file order.
type Block struct {
	Name    string
	Q       string
	Entries []Entry
}

// Value returns the last field of the first entry whose leading fields equal
// indices.
func (b *Block) Value(indices ...string) (string, bool) {
	for _, e := range b.Entries {
		if len(e.Fields) != len(indices)+1 {
			continue
		}
		match := true
		for i, idx := range indices {
			if e.Fields[i] != idx {
				match = false
				break
			}
		}
		if match {
			return e.Fields[len(e.Fields)-1], true
		}
	}
	return "", false
}

// Channel is one branching ratio line of a DECAY table.
type Channel struct {
	BR        float64
	Daughters []int
}

// Decay holds the total width and channels of one particle.
type Decay struct {
	PID      int
	Width    float64
	Channels []Channel
}

// XSectionEntry is one row of an XSECTION record.
type XSectionEntry struct {
	Sqrts       float64
	ScaleScheme int
	QCDOrder    int
	EWOrder     int
	KappaF      float64
	KappaR      float64
	PDFID       int
	Value       float64
	Code        string
}

// XSection collects every row for one process across energies.
type XSection struct {
	Initial []int
	Final   []int
	Entries []XSectionEntry
}

// Document is a parsed SLHA file. It is not modified after Parse returns.
type Document struct {
	Path      string
	Blocks    map[string]*Block
	Decays    map[int]*Decay
	XSections map[string]*XSection
}

// ReadFile opens and parses the SLHA file at path.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open slha: %w", err)
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

type section int

const (
	inNone section = iota
	inBlock
	inDecay
	inXSection
)

// Parse reads SLHA text. Data lines outside a BLOCK/DECAY/XSECTION header,
// malformed headers, non-numeric decay or cross-section rows, and inputs
// without any section all yield ErrMalformed.
func Parse(r io.Reader) (*Document, error) {
	doc := &Document{
		Blocks:    map[string]*Block{},
		Decays:    map[int]*Decay{},
		XSections: map[string]*XSection{},
	}
	var (
		state  section
		block  *Block
		decay  *Decay
		xsec   *XSection
		sqrts  float64
		lineNo int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		bad := func(format string, args ...any) error {
			return fmt.Errorf("%w: line %d: %s", ErrMalformed, lineNo, fmt.Sprintf(format, args...))
		}

		switch strings.ToUpper(fields[0]) {
		case "BLOCK":
			if len(fields) < 2 {
				return nil, bad("block without name")
			}
			block = &Block{Name: strings.ToUpper(fields[1])}
			if len(fields) >= 3 {
				q := strings.Join(fields[2:], "")
				if eq := strings.IndexByte(q, '='); eq >= 0 {
					block.Q = q[eq+1:]
				}
			}
			doc.Blocks[block.Name] = block
			state = inBlock
			continue
		case "DECAY":
			if len(fields) < 3 {
				return nil, bad("decay header needs pid and width")
			}
			pid, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, bad("decay pid %q", fields[1])
			}
			width, err := parseFloat(fields[2])
			if err != nil {
				return nil, bad("decay width %q", fields[2])
			}
			decay = &Decay{PID: pid, Width: width}
			doc.Decays[pid] = decay
			state = inDecay
			continue
		case "XSECTION":
			header, err := parseXSectionHeader(fields[1:])
			if err != nil {
				return nil, bad("%v", err)
			}
			key := ProcessKey(append(append([]int{}, header.initial...), header.final...))
			xsec = doc.XSections[key]
			if xsec == nil {
				xsec = &XSection{Initial: header.initial, Final: header.final}
				doc.XSections[key] = xsec
			}
			sqrts = header.sqrts
			state = inXSection
			continue
		}

		switch state {
		case inBlock:
			block.Entries = append(block.Entries, Entry{Fields: fields})
		case inDecay:
			ch, err := parseChannel(fields)
			if err != nil {
				return nil, bad("%v", err)
			}
			decay.Channels = append(decay.Channels, ch)
		case inXSection:
			entry, err := parseXSectionRow(fields)
			if err != nil {
				return nil, bad("%v", err)
			}
			entry.Sqrts = sqrts
			xsec.Entries = append(xsec.Entries, entry)
		default:
			return nil, bad("data outside of any block: %q", strings.TrimSpace(line))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrMalformed, err)
	}
	if len(doc.Blocks) == 0 && len(doc.Decays) == 0 && len(doc.XSections) == 0 {
		return nil, fmt.Errorf("%w: no blocks found", ErrMalformed)
	}
	return doc, nil
}

type xsecHeader struct {
	sqrts   float64
	initial []int
	final   []int
}

// XSECTION sqrts pid1 pid2 nfinal f1 ... fn
func parseXSectionHeader(fields []string) (xsecHeader, error) {
	var h xsecHeader
	if len(fields) < 5 {
		return h, fmt.Errorf("xsection header too short")
	}
	var err error
	if h.sqrts, err = parseFloat(fields[0]); err != nil {
		return h, fmt.Errorf("xsection sqrts %q", fields[0])
	}
	ints, err := atoiAll(fields[1:])
	if err != nil {
		return h, fmt.Errorf("xsection header: %v", err)
	}
	nfinal := ints[2]
	if nfinal <= 0 || len(ints) != 3+nfinal {
		return h, fmt.Errorf("xsection header declares %d final states, found %d", nfinal, len(ints)-3)
	}
	h.initial = ints[:2]
	h.final = ints[3:]
	return h, nil
}

// scale_scheme qcd_order ew_order kappa_f kappa_r pdf_id value [code...]
func parseXSectionRow(fields []string) (XSectionEntry, error) {
	var e XSectionEntry
	if len(fields) < 7 {
		return e, fmt.Errorf("xsection row needs 7 columns, got %d", len(fields))
	}
	ints, err := atoiAll([]string{fields[0], fields[1], fields[2], fields[5]})
	if err != nil {
		return e, fmt.Errorf("xsection row: %v", err)
	}
	e.ScaleScheme, e.QCDOrder, e.EWOrder, e.PDFID = ints[0], ints[1], ints[2], ints[3]
	if e.KappaF, err = parseFloat(fields[3]); err != nil {
		return e, fmt.Errorf("xsection kappa_f %q", fields[3])
	}
	if e.KappaR, err = parseFloat(fields[4]); err != nil {
		return e, fmt.Errorf("xsection kappa_r %q", fields[4])
	}
	if e.Value, err = parseFloat(fields[6]); err != nil {
		return e, fmt.Errorf("xsection value %q", fields[6])
	}
	e.Code = strings.Join(fields[7:], " ")
	return e, nil
}

// BR NDA id1 ... idN
func parseChannel(fields []string) (Channel, error) {
	var ch Channel
	if len(fields) < 2 {
		return ch, fmt.Errorf("decay channel too short")
	}
	br, err := parseFloat(fields[0])
	if err != nil {
		return ch, fmt.Errorf("branching ratio %q", fields[0])
	}
	ints, err := atoiAll(fields[1:])
	if err != nil {
		return ch, fmt.Errorf("decay channel: %v", err)
	}
	if ints[0] != len(ints)-1 {
		return ch, fmt.Errorf("decay channel declares %d daughters, found %d", ints[0], len(ints)-1)
	}
	ch.BR = br
	ch.Daughters = ints[1:]
	return ch, nil
}

// Fortran-style exponents (1.0D+03) show up in some generator outputs.
func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.NewReplacer("D", "E", "d", "e").Replace(s), 64)
}

func atoiAll(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", f)
		}
		out[i] = v
	}
	return out, nil
}

// ProcessKey is the lookup key of a cross-section record: initial-state pids
// followed by final-state pids.
func ProcessKey(pids []int) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
