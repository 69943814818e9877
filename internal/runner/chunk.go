package runner

import "strings"

// chatCharLimit is Discord's per-message character cap (spec §4.F.8:
// "chunked to the chat char limit").
const chatCharLimit = 2000

// ChunkForChat splits text into chat-sized chunks, preferring to break on
// a newline boundary near the limit so code blocks aren't split mid-line
// where avoidable.
func ChunkForChat(text string) []string {
	return chunkForChat(text, chatCharLimit)
}

// codeFence is the Markdown fence wrapped around error bodies (spec §7:
// "always a chunked, code-fenced error body").
const codeFence = "```"

// fencedCodeBlock wraps s in a Markdown code fence.
func fencedCodeBlock(s string) string {
	return codeFence + "\n" + s + "\n" + codeFence
}

// chunkForChatFenced splits text the same way ChunkForChat does, but
// reserves room for the fence markers fencedCodeBlock adds around each
// chunk so a fenced chunk never itself exceeds chatCharLimit.
func chunkForChatFenced(text string) []string {
	budget := chatCharLimit - len(codeFence)*2 - 2 // 2 fences + their newlines
	chunks := chunkForChat(text, budget)
	for i, c := range chunks {
		chunks[i] = fencedCodeBlock(c)
	}
	return chunks
}

func chunkForChat(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		cut := limit
		if idx := strings.LastIndexByte(text[:cut], '\n'); idx > limit/2 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	return chunks
}
