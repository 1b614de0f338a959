package coding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func units(s string) int {
	return Calculate(s).CharCount
}

func TestSplitSingle(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(Split(""))
	assert.Equal([]string{"Hello World"}, Split("Hello World"))
	assert.Equal([]string{strings.Repeat("x", 160)}, Split(strings.Repeat("x", 160)))
}

func TestSplitGSM7(t *testing.T) {
	msg := strings.Repeat("a", 161)
	parts := Split(msg)

	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 153)
	assert.Len(t, parts[1], 8)
	assert.Equal(t, msg, strings.Join(parts, ""))
}

func TestSplitKeepsEscapePairs(t *testing.T) {
	msg := strings.Repeat("a", 152) + "€" + strings.Repeat("a", 10)
	parts := Split(msg)

	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("a", 152), parts[0])
	assert.True(t, strings.HasPrefix(parts[1], "€"))
	assert.Equal(t, msg, strings.Join(parts, ""))
	for _, p := range parts {
		assert.LessOrEqual(t, units(p), GSM7MultipartLimit)
	}
}

func TestSplitKeepsSurrogatePairs(t *testing.T) {
	msg := strings.Repeat("ж", 66) + "😀" + strings.Repeat("ж", 10)
	parts := Split(msg)

	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("ж", 66), parts[0])
	assert.True(t, strings.HasPrefix(parts[1], "😀"))
	assert.Equal(t, msg, strings.Join(parts, ""))
}

func TestSplitMatchesCalculate(t *testing.T) {
	for _, msg := range []string{
		strings.Repeat("a", 500),
		strings.Repeat("ж", 201),
		strings.Repeat("ab", 90),
	} {
		assert.Len(t, Split(msg), Calculate(msg).Segments)
	}
}
