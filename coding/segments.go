// Package coding works out how an SMS body will be encoded on the wire and
// how many segments a carrier will bill for it.
package coding

import (
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

type Encoding string

const (
	GSM7 Encoding = "GSM-7"
	UCS2 Encoding = "UCS-2"
)

// Per-segment limits in encoding units. Concatenated segments lose room to
// the user data header.
const (
	GSM7SingleLimit    = 160
	GSM7MultipartLimit = 153
	UCS2SingleLimit    = 70
	UCS2MultipartLimit = 67
)

// EncodingResult describes how a message will be sent.
type EncodingResult struct {
	Segments        int      `json:"segments"`
	CharsPerSegment int      `json:"chars_per_segment"`
	Encoding        Encoding `json:"encoding"`
	CharCount       int      `json:"char_count"`
}

// DetectEncoding returns GSM7 when every character of msg is in the default
// alphabet or its extension table, UCS2 otherwise. The empty string is GSM7.
func DetectEncoding(msg string) Encoding {
	for _, r := range msg {
		if !isEncodable(r) {
			return UCS2
		}
	}
	return GSM7
}

// Calculate classifies msg and derives its character units and segment count.
//
// GSM-7 extension characters count as two units. UCS-2 messages are counted
// in UTF-16 code units, so characters outside the BMP count twice there too.
// An empty message has zero segments.
func Calculate(msg string) EncodingResult {
	enc := DetectEncoding(msg)

	units := 0
	for _, r := range msg {
		units += unitWidth(r, enc)
	}

	single, multi := GSM7SingleLimit, GSM7MultipartLimit
	if enc == UCS2 {
		single, multi = UCS2SingleLimit, UCS2MultipartLimit
	}

	res := EncodingResult{
		Encoding:        enc,
		CharCount:       units,
		CharsPerSegment: single,
	}
	switch {
	case units == 0:
		res.Segments = 0
	case units <= single:
		res.Segments = 1
	default:
		res.CharsPerSegment = multi
		res.Segments = (units + multi - 1) / multi
	}
	return res
}

// EncodedLength returns the size in bytes of msg's user data: packed septets
// for GSM-7, UTF-16BE for UCS-2.
func EncodedLength(msg string) int {
	res := Calculate(msg)
	if res.Encoding == GSM7 {
		return (res.CharCount*7 + 7) / 8
	}
	b, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder().String(msg)
	if err != nil {
		return res.CharCount * 2
	}
	return len(b)
}

func unitWidth(r rune, enc Encoding) int {
	if enc == GSM7 {
		if IsGSM7Extended(r) {
			return 2
		}
		return 1
	}
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}
