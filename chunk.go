package cireilclaw

import (
	"strings"
	"unicode/utf8"
)

// ChunkLimit is the outbound chunk size. Platform caps sit above it
// (Discord allows 2000), leaving room for the fence markers chunking adds.
const ChunkLimit = 1800

// ChunkMessage splits content into chunks of at most limit bytes, cutting on
// line boundaries where possible. A chunk boundary inside a fenced code
// block closes the fence at the end of the chunk and reopens it (with its
// info string) at the start of the next one, so no chunk ends inside an
// unclosed fence.
func ChunkMessage(content string, limit int) []string {
	if limit <= 0 {
		limit = ChunkLimit
	}
	if content == "" {
		return nil
	}
	if len(content) <= limit {
		return []string{content}
	}

	var (
		chunks   []string
		cur      []string
		curLen   int    // bytes of cur joined with "\n"
		openLine string // fence open line when inside a block, else ""
		marker   string // bare fence marker to close with
	)

	// budget leaves room for the synthesized closing fence line.
	budget := func() int {
		if marker == "" {
			return limit
		}
		return limit - len(marker) - 1
	}

	emit := func() {
		chunk := strings.Join(cur, "\n")
		if marker != "" {
			chunk += "\n" + marker
		}
		chunks = append(chunks, chunk)
		cur = cur[:0]
		curLen = 0
		if marker != "" {
			cur = append(cur, openLine)
			curLen = len(openLine)
		}
	}

	sep := func() int {
		if curLen > 0 {
			return 1
		}
		return 0
	}

	add := func(line string) {
		if curLen+sep()+len(line) > budget() && curLen > 0 {
			emit()
		}
		// A lone line can still exceed the budget; hard-split it on rune
		// boundaries until the remainder fits.
		for curLen+sep()+len(line) > budget() {
			room := budget() - curLen - sep()
			if room <= 0 {
				emit()
				continue
			}
			cut := room
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = room
			}
			curLen += sep() + cut
			cur = append(cur, line[:cut])
			line = line[cut:]
			emit()
		}
		curLen += sep() + len(line)
		cur = append(cur, line)
	}

	for _, line := range strings.Split(content, "\n") {
		fence := fenceMarker(line)
		switch {
		case marker == "" && fence != "":
			add(line)
			openLine, marker = line, fence
		case marker != "" && fence == marker:
			add(line)
			openLine, marker = "", ""
		default:
			add(line)
		}
	}
	if len(cur) > 0 {
		// The trailing chunk may close a still-open fence; emit it as-is,
		// the fence simply ends with the message.
		chunks = append(chunks, strings.Join(cur, "\n"))
	}
	return chunks
}

// fenceMarker returns "```" or "~~~" when line opens or closes a fenced code
// block, else "".
func fenceMarker(line string) string {
	t := strings.TrimLeft(line, " \t")
	if strings.HasPrefix(t, "```") {
		return "```"
	}
	if strings.HasPrefix(t, "~~~") {
		return "~~~"
	}
	return ""
}
