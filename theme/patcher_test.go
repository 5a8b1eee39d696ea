package theme

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlock(t *testing.T) {
	block := Block("console.log(1)")

	assert.True(t, strings.HasPrefix(block, StartMarker+"\n"))
	assert.True(t, strings.HasSuffix(block, "\n"+EndMarker+"\n"))
	assert.Contains(t, block, "<script>console.log(1)</script>")
}

func TestInject(t *testing.T) {
	t.Run("inserts before first head close", func(t *testing.T) {
		text := "<html><head><title>x</title></head><body></body></html><!-- </head> -->"
		out, placement, err := Inject(text, "console.log(1)")
		require.NoError(t, err)

		assert.Equal(t, PlacementHead, placement)
		assert.Equal(t, len(text)+len(Block("console.log(1)")), len(out))

		idx := strings.Index(text, "</head>")
		assert.Equal(t, text[:idx]+Block("console.log(1)")+text[idx:], out)
	})

	t.Run("falls back to body close", func(t *testing.T) {
		text := "<div>no head</div></body></html>"
		out, placement, err := Inject(text, "x()")
		require.NoError(t, err)

		assert.Equal(t, PlacementBody, placement)
		assert.Equal(t, "<div>no head</div>"+Block("x()")+"</body></html>", out)
	})

	t.Run("no anchor leaves text unchanged", func(t *testing.T) {
		text := "{{ content_for_layout }}"
		out, placement, err := Inject(text, "x()")

		assert.ErrorIs(t, err, ErrNoAnchor)
		assert.Equal(t, PlacementNone, placement)
		assert.Equal(t, text, out)
	})

	t.Run("replaces an existing block", func(t *testing.T) {
		text := "<html><head></head><body></body></html>"
		first, _, err := Inject(text, "old()")
		require.NoError(t, err)

		second, placement, err := Inject(first, "new()")
		require.NoError(t, err)

		assert.Equal(t, PlacementHead, placement)
		assert.Equal(t, 1, CountBlocks(second))
		assert.Contains(t, second, "<script>new()</script>")
		assert.NotContains(t, second, "old()")
	})

	t.Run("stray start marker is left alone", func(t *testing.T) {
		text := "<html><head>" + StartMarker + "<title>{{ shop.name }}</title></head><body></body></html>"

		out, placement, err := Inject(text, "a()")
		assert.ErrorIs(t, err, ErrMalformedBlock)
		assert.Equal(t, PlacementNone, placement)
		assert.Equal(t, text, out)
	})

	t.Run("reinstall keeps content next to a stray start marker", func(t *testing.T) {
		layout := "<html><head>" + StartMarker + "<title>{{ shop.name }}</title></head><body></body></html>"
		text := strings.Replace(layout, "</head>", Block("a()")+"</head>", 1)

		out, _, err := Inject(text, "b()")
		assert.ErrorIs(t, err, ErrMalformedBlock)
		assert.Equal(t, text, out)
		assert.Contains(t, out, "<title>{{ shop.name }}</title>")
	})

	t.Run("marker pair around other content is left alone", func(t *testing.T) {
		text := "<html><head>" + StartMarker + "<title>x</title>" + EndMarker + "</head></html>"

		out, _, err := Inject(text, "a()")
		assert.ErrorIs(t, err, ErrMalformedBlock)
		assert.Equal(t, text, out)
	})

	t.Run("stray end marker does not block install", func(t *testing.T) {
		text := "<html><head>" + EndMarker + "</head></html>"

		out, placement, err := Inject(text, "a()")
		require.NoError(t, err)
		assert.Equal(t, PlacementHead, placement)
		assert.Equal(t, "<html><head>"+EndMarker+Block("a()")+"</head></html>", out)
	})

	t.Run("end to end layout", func(t *testing.T) {
		out, _, err := Inject("<html><head></head><body></body></html>", "console.log(1)")
		require.NoError(t, err)

		start := strings.Index(out, StartMarker)
		script := strings.Index(out, "<script>console.log(1)</script>")
		end := strings.Index(out, EndMarker)
		head := strings.Index(out, "</head>")
		assert.True(t, start < script && script < end && end < head, out)
	})
}

func TestRemove(t *testing.T) {
	texts := []string{
		"",
		"<html><head></head><body></body></html>",
		"<html>\n  <head>\n    <meta charset=\"utf-8\">\n  </head>\n  <body>{{ content_for_layout }}</body>\n</html>\n",
		"<body>only body</body>",
	}

	t.Run("undoes inject", func(t *testing.T) {
		for _, text := range texts {
			out, placement, err := Inject(text, "console.log(1)")
			if placement == PlacementNone {
				require.ErrorIs(t, err, ErrNoAnchor)
			}
			restored := Remove(out)
			assert.Equal(t, text, restored)
			assert.NotContains(t, restored, StartMarker)
			assert.NotContains(t, restored, EndMarker)
		}
	})

	t.Run("removes every block non-greedily", func(t *testing.T) {
		text := "a" + Block("one()") + "b" + Block("two()") + "c"
		assert.Equal(t, "abc", Remove(text))
	})

	t.Run("leaves unmatched start marker", func(t *testing.T) {
		text := "<head>" + StartMarker + "<script></script></head>"
		assert.Equal(t, text, Remove(text))
	})

	t.Run("idempotent", func(t *testing.T) {
		cases := append([]string{
			"a" + Block("1") + Block("2"),
			StartMarker + EndMarker + EndMarker,
			"<!-- Page Speed " + StartMarker + "x" + EndMarker + "Optimizer App -->y" + EndMarker + "z",
			EndMarker + "x" + StartMarker,
		}, texts...)

		for _, text := range cases {
			once := Remove(text)
			assert.Equal(t, once, Remove(once), "input %q", text)
		}
	})

	t.Run("rescans spans formed by a removal", func(t *testing.T) {
		text := "<!-- Page Speed " + StartMarker + "x" + EndMarker + "Optimizer App -->y" + EndMarker + "z"
		assert.Equal(t, "z", Remove(text))
	})
}

func TestCountBlocks(t *testing.T) {
	assert.Equal(t, 0, CountBlocks("<head></head>"))
	assert.Equal(t, 1, CountBlocks(Block("a")))
	assert.Equal(t, 2, CountBlocks(Block("a")+"\n"+Block("b")))
	assert.Equal(t, 0, CountBlocks(StartMarker+" dangling"))
}
