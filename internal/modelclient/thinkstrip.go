package modelclient

import "strings"

// thinkLookahead is the widest opening tag the stripper must recognize
// (`<reasoning>` is 11 bytes; 12 leaves one byte of headroom).
const thinkLookahead = 12

var openTags = []string{"<think>", "<thinking>", "<reasoning>", "<|think|>"}
var closeTags = map[string]string{
	"<think>":    "</think>",
	"<thinking>": "</thinking>",
	"<reasoning>": "</reasoning>",
	"<|think|>":  "<|think|>",
}

// thinkStripper removes <think>/<thinking>/<reasoning>/<|think|> spans from
// a stream of text chunks, including an unterminated tail at stream end. It
// holds back up to thinkLookahead bytes so an opening tag split across two
// chunk boundaries is still recognized.
type thinkStripper struct {
	buf      strings.Builder // held-back bytes not yet known to be safe
	inBlock  bool
	closeTag string
}

// Feed appends chunk to the internal buffer and returns the portion of text
// now safe to emit (i.e. guaranteed not to be a think-tag prefix).
func (s *thinkStripper) Feed(chunk string) string {
	s.buf.WriteString(chunk)
	return s.drain(false)
}

// Flush returns any remaining safe-to-emit text at stream end, dropping an
// unterminated think block rather than emitting it.
func (s *thinkStripper) Flush() string {
	out := s.drain(true)
	s.buf.Reset()
	return out
}

func (s *thinkStripper) drain(final bool) string {
	var out strings.Builder
	for {
		text := s.buf.String()
		if text == "" {
			return out.String()
		}

		if s.inBlock {
			idx := strings.Index(text, s.closeTag)
			if idx < 0 {
				if final {
					// unterminated tail: drop it entirely.
					s.buf.Reset()
					return out.String()
				}
				// Keep the tail in case the close tag is still arriving.
				keep := len(text)
				if keep > len(s.closeTag)-1 {
					keep = len(s.closeTag) - 1
				}
				s.resetBuf(text[len(text)-keep:])
				return out.String()
			}
			s.resetBuf(text[idx+len(s.closeTag):])
			s.inBlock = false
			s.closeTag = ""
			continue
		}

		tagIdx, tag := firstOpenTag(text)
		if tagIdx < 0 {
			safe := text
			if !final {
				keep := thinkLookahead - 1
				if keep > len(text) {
					keep = len(text)
				}
				safe = text[:len(text)-keep]
			}
			out.WriteString(safe)
			s.resetBuf(text[len(safe):])
			return out.String()
		}

		// Emit everything before the tag, then enter the block.
		out.WriteString(text[:tagIdx])
		s.inBlock = true
		s.closeTag = closeTags[tag]
		s.resetBuf(text[tagIdx+len(tag):])
	}
}

func (s *thinkStripper) resetBuf(remaining string) {
	s.buf.Reset()
	s.buf.WriteString(remaining)
}

// firstOpenTag returns the earliest-starting known open tag in text, or
// (-1, "") if none is fully present yet.
func firstOpenTag(text string) (int, string) {
	best := -1
	bestTag := ""
	for _, tag := range openTags {
		if idx := strings.Index(text, tag); idx >= 0 && (best < 0 || idx < best) {
			best = idx
			bestTag = tag
		}
	}
	return best, bestTag
}
