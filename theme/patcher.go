package theme

import (
	"strings"
)

// Markers delimiting the injected block inside the layout template.
const (
	StartMarker = "<!-- Page Speed Optimizer App -->"
	EndMarker   = "<!-- End Page Speed Optimizer App -->"
)

const (
	headClose = "</head>"
	bodyClose = "</body>"
)

// Placement tells where Inject put the block.
type Placement string

const (
	PlacementNone Placement = "none"
	PlacementHead Placement = "head"
	PlacementBody Placement = "body"
)

// Block wraps source in a script tag between the start and end markers,
// each on its own line.
func Block(source string) string {
	var b strings.Builder
	b.Grow(len(StartMarker) + len(EndMarker) + len(source) + 20)
	b.WriteString(StartMarker)
	b.WriteString("\n<script>")
	b.WriteString(source)
	b.WriteString("</script>\n")
	b.WriteString(EndMarker)
	b.WriteString("\n")
	return b.String()
}

// Inject inserts the block for source before the first </head>, or before
// the first </body> when the template has no head marker. Blocks already
// present are removed first so the result holds exactly one.
//
// When neither marker exists the text is returned unchanged together with
// PlacementNone and ErrNoAnchor. Marker text that is not a block written by
// Block is never touched: the text is returned unchanged with
// ErrMalformedBlock.
func Inject(text, source string) (string, Placement, error) {
	cleaned, err := stripBlocks(text)
	if err != nil {
		return text, PlacementNone, err
	}

	placement := PlacementHead
	idx := strings.Index(cleaned, headClose)
	if idx == -1 {
		placement = PlacementBody
		idx = strings.Index(cleaned, bodyClose)
	}
	if idx == -1 {
		return text, PlacementNone, ErrNoAnchor
	}

	block := Block(source)
	var b strings.Builder
	b.Grow(len(cleaned) + len(block))
	b.WriteString(cleaned[:idx])
	b.WriteString(block)
	b.WriteString(cleaned[idx:])
	return b.String(), placement, nil
}

const (
	blockOpen  = "\n<script>"
	blockClose = "</script>\n"
)

// stripBlocks removes the spans Block writes. It fails without changes when
// any start marker is unpaired or a pair encloses something else.
func stripBlocks(text string) (string, error) {
	if strings.Count(text, StartMarker) != CountBlocks(text) {
		return text, ErrMalformedBlock
	}

	var b strings.Builder
	pos := 0
	for {
		start := strings.Index(text[pos:], StartMarker)
		if start == -1 {
			break
		}
		start += pos

		inner := start + len(StartMarker)
		end := inner + strings.Index(text[inner:], EndMarker)
		body := text[inner:end]
		if len(body) < len(blockOpen)+len(blockClose) ||
			!strings.HasPrefix(body, blockOpen) || !strings.HasSuffix(body, blockClose) {
			return text, ErrMalformedBlock
		}

		end += len(EndMarker)
		if end < len(text) && text[end] == '\n' {
			end++
		}
		b.WriteString(text[pos:start])
		pos = end
	}
	if pos == 0 {
		return text, nil
	}
	b.WriteString(text[pos:])
	return b.String(), nil
}

// Remove deletes every span from a start marker through the first end marker
// after it, including the newline Block appends. It rescans until no complete
// span is left, so Remove(Remove(t)) == Remove(t). A start marker without a
// matching end marker is left in place.
func Remove(text string) string {
	for {
		out, n := removeSpans(text)
		if n == 0 {
			return out
		}
		text = out
	}
}

func removeSpans(text string) (string, int) {
	var b strings.Builder
	removed := 0
	pos := 0
	for pos < len(text) {
		start := strings.Index(text[pos:], StartMarker)
		if start == -1 {
			break
		}
		start += pos

		end := strings.Index(text[start+len(StartMarker):], EndMarker)
		if end == -1 {
			break
		}
		end += start + len(StartMarker) + len(EndMarker)
		if end < len(text) && text[end] == '\n' {
			end++
		}

		if removed == 0 {
			b.Grow(len(text))
		}
		b.WriteString(text[pos:start])
		pos = end
		removed++
	}
	if removed == 0 {
		return text, 0
	}
	b.WriteString(text[pos:])
	return b.String(), removed
}

// CountBlocks returns the number of complete marker-delimited blocks in text.
func CountBlocks(text string) int {
	count := 0
	pos := 0
	for pos < len(text) {
		start := strings.Index(text[pos:], StartMarker)
		if start == -1 {
			break
		}
		start += pos + len(StartMarker)

		end := strings.Index(text[start:], EndMarker)
		if end == -1 {
			break
		}
		count++
		pos = start + end + len(EndMarker)
	}
	return count
}
