package coding

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want EncodingResult
	}{
		{
			name: "plain ascii",
			msg:  "Hello World",
			want: EncodingResult{Segments: 1, CharsPerSegment: 160, Encoding: GSM7, CharCount: 11},
		},
		{
			name: "empty message",
			msg:  "",
			want: EncodingResult{Segments: 0, CharsPerSegment: 160, Encoding: GSM7, CharCount: 0},
		},
		{
			name: "exactly one gsm segment",
			msg:  strings.Repeat("a", 160),
			want: EncodingResult{Segments: 1, CharsPerSegment: 160, Encoding: GSM7, CharCount: 160},
		},
		{
			name: "one over a gsm segment",
			msg:  strings.Repeat("a", 161),
			want: EncodingResult{Segments: 2, CharsPerSegment: 153, Encoding: GSM7, CharCount: 161},
		},
		{
			name: "two full concatenated gsm segments",
			msg:  strings.Repeat("a", 306),
			want: EncodingResult{Segments: 2, CharsPerSegment: 153, Encoding: GSM7, CharCount: 306},
		},
		{
			name: "third gsm segment",
			msg:  strings.Repeat("a", 307),
			want: EncodingResult{Segments: 3, CharsPerSegment: 153, Encoding: GSM7, CharCount: 307},
		},
		{
			name: "extension characters count twice",
			msg:  "{[€]}",
			want: EncodingResult{Segments: 1, CharsPerSegment: 160, Encoding: GSM7, CharCount: 10},
		},
		{
			name: "extension character pushes over the single limit",
			msg:  strings.Repeat("a", 159) + "€",
			want: EncodingResult{Segments: 2, CharsPerSegment: 153, Encoding: GSM7, CharCount: 161},
		},
		{
			name: "emoji forces ucs2",
			msg:  "Hey 😀 you",
			want: EncodingResult{Segments: 1, CharsPerSegment: 70, Encoding: UCS2, CharCount: 10},
		},
		{
			name: "exactly one ucs2 segment",
			msg:  strings.Repeat("ж", 70),
			want: EncodingResult{Segments: 1, CharsPerSegment: 70, Encoding: UCS2, CharCount: 70},
		},
		{
			name: "one over a ucs2 segment",
			msg:  strings.Repeat("ж", 71),
			want: EncodingResult{Segments: 2, CharsPerSegment: 67, Encoding: UCS2, CharCount: 71},
		},
		{
			name: "third ucs2 segment",
			msg:  strings.Repeat("ж", 135),
			want: EncodingResult{Segments: 3, CharsPerSegment: 67, Encoding: UCS2, CharCount: 135},
		},
		{
			name: "extension characters are not weighted under ucs2",
			msg:  "ж{",
			want: EncodingResult{Segments: 1, CharsPerSegment: 70, Encoding: UCS2, CharCount: 2},
		},
		{
			name: "invalid utf8 is treated as ucs2",
			msg:  "ok\xff",
			want: EncodingResult{Segments: 1, CharsPerSegment: 70, Encoding: UCS2, CharCount: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Calculate(tt.msg))
		})
	}
}

func TestDetectEncoding(t *testing.T) {
	assert := assert.New(t)

	var all strings.Builder
	for r := range gsm7Basic {
		all.WriteRune(r)
	}
	for r := range gsm7Extended {
		all.WriteRune(r)
	}

	assert.Equal(GSM7, DetectEncoding(all.String()))
	assert.Equal(GSM7, DetectEncoding(""))
	assert.Equal(UCS2, DetectEncoding(all.String()+"ç"))
	assert.Equal(UCS2, DetectEncoding("Appointment confirmed ✅"))
}

func TestClassifier(t *testing.T) {
	assert := assert.New(t)

	assert.True(IsGSM7('A'))
	assert.True(IsGSM7('Δ'))
	assert.False(IsGSM7('€'))
	assert.True(IsGSM7Extended('€'))
	assert.True(IsGSM7Extended('\f'))
	assert.False(IsGSM7Extended('a'))
	assert.False(IsGSM7('ж'))
	assert.False(IsGSM7Extended('ж'))
}

func TestCalculateIsPure(t *testing.T) {
	msg := "Reminder: {{name}}, your visit is at 10:00 [room 4] €20"
	assert.Equal(t, Calculate(msg), Calculate(msg))
}

func TestCalculateConcurrent(t *testing.T) {
	msgs := []string{
		"Hello World",
		strings.Repeat("b", 400),
		strings.Repeat("ж", 140),
		"Hey 😀 you",
	}
	want := make([]EncodingResult, len(msgs))
	for i, m := range msgs {
		want[i] = Calculate(m)
	}

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, m := range msgs {
				assert.Equal(t, want[i], Calculate(m))
			}
		}()
	}
	wg.Wait()

	goleak.VerifyNone(t)
}

func TestEncodedLength(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(0, EncodedLength(""))
	// 11 septets packed into 10 octets
	assert.Equal(10, EncodedLength("Hello World"))
	assert.Equal(140, EncodedLength(strings.Repeat("a", 160)))
	assert.Equal(4, EncodedLength("жж"))
	assert.Equal(4, EncodedLength("😀"))
}
