package eval

// Chunking targets ~1800 characters per chunk, cutting on a sentence or line
// boundary within a ±200-character window around the target. A window without
// any boundary falls back to a hard cut at the target.
const (
	chunkTarget = 1800
	chunkWindow = 200
)

func isBoundary(c byte) bool {
	return c == '.' || c == '!' || c == '?' || c == '\n'
}

// ChunkStory splits a story into boundary-aware chunks.
func ChunkStory(text string) []string {
	var chunks []string
	for len(text) > chunkTarget+chunkWindow {
		cut := boundaryCut(text)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

func boundaryCut(text string) int {
	lo := chunkTarget - chunkWindow
	hi := chunkTarget + chunkWindow
	if hi > len(text) {
		hi = len(text)
	}

	// Prefer the boundary closest past the target, then the closest before.
	for i := chunkTarget; i < hi; i++ {
		if isBoundary(text[i]) {
			return i + 1
		}
	}
	for i := chunkTarget - 1; i >= lo; i-- {
		if isBoundary(text[i]) {
			return i + 1
		}
	}
	return chunkTarget
}
