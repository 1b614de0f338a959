package coding

import "strings"

// Split chops msg into the bodies a carrier would send as separate segments.
// An escape pair or a surrogate pair is never split across two segments, so
// a message with an extension character on a boundary may need one more part
// than Calculate reports.
func Split(msg string) []string {
	if msg == "" {
		return nil
	}
	res := Calculate(msg)
	if res.Segments <= 1 {
		return []string{msg}
	}

	var (
		segments []string
		b        strings.Builder
		used     int
	)
	for _, r := range msg {
		w := unitWidth(r, res.Encoding)
		if used+w > res.CharsPerSegment {
			segments = append(segments, b.String())
			b.Reset()
			used = 0
		}
		b.WriteRune(r)
		used += w
	}
	if b.Len() > 0 {
		segments = append(segments, b.String())
	}
	return segments
}
