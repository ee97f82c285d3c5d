// Package index implements the content indexing pipeline: chunking,
// embedding generation, and change-driven index updates.
package index

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/thebtf/recall/pkg/models"
)

// Strategy names.
const (
	StrategySlidingWindow = "sliding-window"
	StrategySentence      = "sentence"
)

// ChunkOptions bounds the chunks a strategy may emit.
type ChunkOptions struct {
	ChunkSize    int
	Overlap      int
	MinChunkSize int
}

// Chunker splits text into ordered chunks with contiguous positions from 0.
type Chunker interface {
	Name() string
	Chunk(text string, opts ChunkOptions) []models.Chunk
}

var (
	chunkersMu sync.RWMutex
	chunkers   = map[string]Chunker{
		StrategySlidingWindow: slidingWindowChunker{},
		StrategySentence:      sentenceChunker{},
	}
)

// ChunkerFor resolves a strategy by name.
func ChunkerFor(name string) (Chunker, error) {
	chunkersMu.RLock()
	defer chunkersMu.RUnlock()

	c, ok := chunkers[name]
	if !ok {
		return nil, fmt.Errorf("unknown chunking strategy %q", name)
	}
	return c, nil
}

// AvailableStrategies lists registered strategy names, sorted.
func AvailableStrategies() []string {
	chunkersMu.RLock()
	defer chunkersMu.RUnlock()

	names := make([]string, 0, len(chunkers))
	for name := range chunkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// slidingWindowChunker emits fixed-size windows advancing by
// chunkSize-overlap. The last window may be shorter than chunkSize and is
// emitted only when it reaches minChunkSize.
type slidingWindowChunker struct{}

func (slidingWindowChunker) Name() string { return StrategySlidingWindow }

func (slidingWindowChunker) Chunk(text string, opts ChunkOptions) []models.Chunk {
	step := opts.ChunkSize - opts.Overlap
	if step <= 0 || len(text) == 0 {
		return nil
	}

	var chunks []models.Chunk
	for start := 0; start < len(text); start += step {
		end := start + opts.ChunkSize
		if end > len(text) {
			end = len(text)
		}
		if end-start >= opts.MinChunkSize {
			chunks = append(chunks, models.Chunk{
				Text:     text[start:end],
				Position: len(chunks),
				Metadata: models.ChunkMetadata{
					StartIndex: start,
					EndIndex:   end,
					ChunkSize:  opts.ChunkSize,
					Overlap:    opts.Overlap,
				},
			})
		}
		if end == len(text) {
			break
		}
	}
	return chunks
}

// sentenceChunker accumulates sentences into buffers bounded by chunkSize.
// A buffer is emitted when adding the next sentence would exceed chunkSize
// and the buffer already reached minChunkSize.
type sentenceChunker struct{}

func (sentenceChunker) Name() string { return StrategySentence }

func (sentenceChunker) Chunk(text string, opts ChunkOptions) []models.Chunk {
	if len(text) == 0 || opts.ChunkSize <= 0 {
		return nil
	}

	sentences := splitSentences(text)
	var chunks []models.Chunk
	var buf strings.Builder
	bufStart := 0
	cursor := 0

	emit := func(end int) {
		chunks = append(chunks, models.Chunk{
			Text:     buf.String(),
			Position: len(chunks),
			Metadata: models.ChunkMetadata{
				StartIndex: bufStart,
				EndIndex:   end,
				ChunkSize:  opts.ChunkSize,
				Overlap:    0,
			},
		})
		buf.Reset()
	}

	for _, sentence := range sentences {
		// A sentence that cannot fit in any buffer falls back to fixed
		// windows so no chunk exceeds chunkSize.
		if len(sentence) > opts.ChunkSize {
			if buf.Len() >= opts.MinChunkSize {
				emit(cursor)
			} else {
				buf.Reset()
			}
			for _, piece := range (slidingWindowChunker{}).Chunk(sentence, ChunkOptions{
				ChunkSize:    opts.ChunkSize,
				MinChunkSize: opts.MinChunkSize,
			}) {
				chunks = append(chunks, models.Chunk{
					Text:     piece.Text,
					Position: len(chunks),
					Metadata: models.ChunkMetadata{
						StartIndex: cursor + piece.Metadata.StartIndex,
						EndIndex:   cursor + piece.Metadata.EndIndex,
						ChunkSize:  opts.ChunkSize,
						Overlap:    0,
					},
				})
			}
			cursor += len(sentence)
			bufStart = cursor
			continue
		}

		if buf.Len() > 0 && buf.Len()+len(sentence) > opts.ChunkSize && buf.Len() >= opts.MinChunkSize {
			emit(cursor)
			bufStart = cursor
		}
		buf.WriteString(sentence)
		cursor += len(sentence)
	}
	if buf.Len() >= opts.MinChunkSize {
		emit(cursor)
	}
	return chunks
}

// splitSentences splits on sentence terminators, keeping the terminator and
// trailing whitespace attached so offsets stay byte-accurate.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			end := i + 1
			for end < len(text) && (text[end] == ' ' || text[end] == '\n' || text[end] == '\t') {
				end++
			}
			sentences = append(sentences, text[start:end])
			start = end
			i = end - 1
		}
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}
