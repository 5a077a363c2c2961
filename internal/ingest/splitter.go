package ingest

// Splitter cuts text into fixed-size chunks with overlap between
// consecutive chunks, measured in runes so multi-byte text never splits
// mid-character.
type Splitter struct {
	size    int
	overlap int
}

// NewSplitter creates a splitter producing chunks of at most size runes,
// where each chunk shares overlap runes with its predecessor. Invalid
// arguments fall back to sane values: size must be positive, and overlap
// is clamped to [0, size).
func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}
	return &Splitter{size: size, overlap: overlap}
}

// Split cuts text into overlapping chunks. Every character of the input
// appears in at least one chunk; consecutive chunks share exactly the
// configured overlap (the final chunk may be shorter than size).
func (s *Splitter) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= s.size {
		return []string{text}
	}

	step := s.size - s.overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + s.size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
