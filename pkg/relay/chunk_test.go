package relay

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFits(t *testing.T) {
	assert.Equal(t, []string{"Hello world"}, Split("Hello world", 4096, 500))
	assert.Nil(t, Split("", 10, 5))
}

func TestSplitPrefersLineBreak(t *testing.T) {
	got := Split("first line\nsecond line here", 20, 15)
	assert.Equal(t, []string{"first line\n", "second line here"}, got)
}

func TestSplitFallsBackToWhitespace(t *testing.T) {
	got := Split("alpha beta gamma delta", 12, 8)
	assert.Equal(t, []string{"alpha beta ", "gamma delta"}, got)
}

func TestSplitHardCut(t *testing.T) {
	got := Split("abcdefghij", 4, 2)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, got)
}

func TestSplitIgnoresBreaksOutsideLookback(t *testing.T) {
	// The only newline is 9 runes back from the cut, beyond a lookback of 3.
	got := Split("a\nbcdefghijklmn", 10, 3)
	assert.Equal(t, []string{"a\nbcdefghi", "jklmn"}, got)
}

func TestSplitZeroLookback(t *testing.T) {
	got := Split("ab\ncd\nef", 4, 0)
	assert.Equal(t, []string{"ab\nc", "d\nef"}, got)
}

func TestSplitMultibyte(t *testing.T) {
	text := strings.Repeat("é世🙂", 5)
	got := Split(text, 4, 0)
	for _, p := range got {
		assert.True(t, utf8.ValidString(p), "piece %q is not valid UTF-8", p)
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 4)
	}
	assert.Equal(t, text, strings.Join(got, ""))
}

func TestSplitProperties(t *testing.T) {
	inputs := []string{
		strings.Repeat("x", 10000),
		strings.Repeat("lorem ipsum dolor sit amet\n", 400),
		strings.Repeat("word ", 2000),
		"short",
		strings.Repeat("日本語のテキスト", 700),
	}
	limits := []int{1, 7, 100, 4096}
	for i, text := range inputs {
		for _, limit := range limits {
			t.Run(fmt.Sprintf("input %d limit %d", i, limit), func(t *testing.T) {
				pieces := Split(text, limit, 500)
				assert.Equal(t, text, strings.Join(pieces, ""), "lossless")
				for _, p := range pieces {
					assert.LessOrEqual(t, utf8.RuneCountInString(p), limit)
					assert.NotEmpty(t, p)
				}
			})
		}
	}
}

func TestSplitMinimalWithoutBreaks(t *testing.T) {
	text := strings.Repeat("x", 10001)
	for _, limit := range []int{1, 3, 100, 4096, 10001} {
		pieces := Split(text, limit, 500)
		want := (len(text) + limit - 1) / limit
		assert.Len(t, pieces, want, "limit %d", limit)
	}
}

func TestSplitMinimalWithAlignedBreaks(t *testing.T) {
	// Each line exactly fills a piece, so preferring line breaks costs nothing.
	line := strings.Repeat("y", 99) + "\n"
	text := strings.Repeat(line, 50)
	assert.Len(t, Split(text, 100, 500), 50)
}

func TestChunksSingleHasNoMarker(t *testing.T) {
	chunks := Chunks("Hello world", 4096, 500)
	require.Len(t, chunks, 1)
	assert.Equal(t, Chunk{Seq: 1, Total: 1, Text: "Hello world"}, chunks[0])
	assert.Equal(t, "Hello world", chunks[0].Payload())
}

func TestChunksEmpty(t *testing.T) {
	assert.Empty(t, Chunks("", 4096, 500))
}

func TestChunksTenThousand(t *testing.T) {
	text := strings.Repeat("a", 10000)
	chunks := Chunks(text, 4096, 500)
	require.Len(t, chunks, 3)

	var joined strings.Builder
	for i, c := range chunks {
		assert.Equal(t, i+1, c.Seq)
		assert.Equal(t, 3, c.Total)
		assert.True(t, strings.HasPrefix(c.Payload(), fmt.Sprintf("(%d/3) ", i+1)))
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Payload()), 4096)
		joined.WriteString(c.Text)
	}
	assert.Equal(t, text, joined.String())
}

func TestChunksMinimalWithMarkers(t *testing.T) {
	// Without line breaks every chunk but the last is filled to limit minus the marker width, so
	// the count is the fewest that keeps each payload, marker included, within the limit.
	tcs := []struct {
		n, limit, want int
	}{
		{n: 4096, limit: 4096, want: 1},
		{n: 4097, limit: 4096, want: 2},
		{n: 8180, limit: 4096, want: 2},
		{n: 8181, limit: 4096, want: 3},
		{n: 8190, limit: 4096, want: 3},
		{n: 10000, limit: 4096, want: 3},
		{n: 12270, limit: 4096, want: 3},
		{n: 12271, limit: 4096, want: 4},
		{n: 91, limit: 16, want: 12},
	}
	for _, tc := range tcs {
		t.Run(fmt.Sprintf("%d in %d", tc.n, tc.limit), func(t *testing.T) {
			text := strings.Repeat("m", tc.n)
			chunks := Chunks(text, tc.limit, 500)
			require.Len(t, chunks, tc.want)

			var joined strings.Builder
			for _, c := range chunks {
				assert.LessOrEqual(t, utf8.RuneCountInString(c.Payload()), tc.limit, "chunk %d", c.Seq)
				joined.WriteString(c.Text)
			}
			assert.Equal(t, text, joined.String())
			if tc.want > 1 {
				usable := tc.limit - markerWidth(tc.want)
				assert.Equal(t, (tc.n+usable-1)/usable, tc.want)
			}
		})
	}
}

func TestChunksMarkerWidthGrows(t *testing.T) {
	// Counts past 9 and then 99 need wider markers, shrinking each piece further.
	text := strings.Repeat("z", 950)
	chunks := Chunks(text, 16, 0)
	total := chunks[0].Total
	assert.Greater(t, total, 9)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Payload()), 16, "chunk %d", c.Seq)
	}
}

func TestChunksLimitTooSmallForMarker(t *testing.T) {
	chunks := Chunks("abcdef", 3, 0)
	require.Len(t, chunks, 2)
	assert.Equal(t, "abc", chunks[0].Text)
	assert.Equal(t, "def", chunks[1].Text)
}

func TestMarkerWidth(t *testing.T) {
	assert.Equal(t, len("(9/9) "), markerWidth(9))
	assert.Equal(t, len("(10/10) "), markerWidth(10))
	assert.Equal(t, len("(100/100) "), markerWidth(100))
}
