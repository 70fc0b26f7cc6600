// Package mdrom extracts the title and region from a 512-byte cartridge
// header, used to derive default dump filenames.
package mdrom

import "strings"

const (
	HeaderLen = 512

	domesticNameOff = 0x120
	overseasNameOff = 0x150
	nameLen         = 48

	regionOff = 0x1F0
)

// Name returns a filename-safe title from the header, preferring the
// domestic name field and falling back to the overseas one. Characters
// outside a conservative class are dropped and runs of spaces are
// collapsed. Returns "Unknown" when neither field yields anything.
func Name(hdr []byte) string {
	if len(hdr) < HeaderLen {
		return "Unknown"
	}
	for _, off := range []int{domesticNameOff, overseasNameOff} {
		if name := filterName(hdr[off : off+nameLen]); name != "" {
			return name
		}
	}
	return "Unknown"
}

func filterName(field []byte) string {
	var b strings.Builder
	space := false
	for _, c := range field {
		if c == 0 {
			break
		}
		switch {
		case c == ' ':
			space = true
			continue
		case c == '/' || c == ':':
			c = '-'
		case c >= '0' && c <= '9',
			c >= 'A' && c <= 'Z',
			c >= 'a' && c <= 'z':
		case strings.IndexByte("!()_-.[]|&'", c) >= 0:
		default:
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteByte(c)
	}
	return strings.TrimSpace(b.String())
}

// Region decodes the header region field into a one-letter code:
// J, U, E, W (world) or X (unknown).
func Region(hdr []byte) string {
	if len(hdr) < regionOff+2 {
		return "X"
	}
	val := hdr[regionOff]
	if val != hdr[regionOff+1] && hdr[regionOff+1] != 0x20 && hdr[regionOff+1] != 0 {
		return "W"
	}

	switch val {
	case 'F', 'C':
		return "W"
	case 'U', 'W', '4', 4:
		return "U"
	case 'J', 'B', '1', 1:
		return "J"
	case 'E', 'A', '8', 8:
		return "E"
	}
	return "X"
}

// DumpName formats "Title (R)" for use as a dump filename stem.
func DumpName(hdr []byte) string {
	return Name(hdr) + " (" + Region(hdr) + ")"
}
