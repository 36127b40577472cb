// Package meeting turns meeting transcripts into structured minutes
// using a model. Long transcripts are summarized section by section in
// parallel and then combined.
package meeting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/llm"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/prompts"
)

// CompleteFunc sends a prompt to a model and returns the reply text.
type CompleteFunc func(ctx context.Context, prompt string) (string, error)

const (
	// defaultChunkSize is the target character count per section. 5K
	// chars is roughly 1.5K tokens, leaving headroom for the prompt.
	defaultChunkSize = 5000

	// maxParallelChunks limits concurrent model calls in the map phase.
	maxParallelChunks = 4
)

// Analyzer produces meeting minutes.
type Analyzer struct {
	complete  CompleteFunc
	chunkSize int
	logger    *slog.Logger
}

// NewAnalyzer creates an Analyzer that calls complete for every prompt.
func NewAnalyzer(complete CompleteFunc, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		complete:  complete,
		chunkSize: defaultChunkSize,
		logger:    logger.With("component", "meeting"),
	}
}

// ModelCompleter adapts an llm.Client into a CompleteFunc. The prompt is
// sent as a single user message with no tools.
func ModelCompleter(client llm.Client, model string) CompleteFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		resp, err := llm.Complete(ctx, client, model, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, nil)
		if err != nil {
			return "", err
		}
		switch r := resp.(type) {
		case llm.FinalAnswer:
			return r.Text, nil
		case llm.ToolRequest:
			return r.Text, nil
		}
		return "", fmt.Errorf("unexpected response %T", resp)
	}
}

// Analyze returns Markdown minutes for transcript, which may be plain
// text or a caption export. A transcript that fits in one section is sent directly; longer ones go through the
// map/reduce pipeline.
func (a *Analyzer) Analyze(ctx context.Context, transcript, focus string) (string, error) {
	if a.complete == nil {
		return "", fmt.Errorf("meeting analyzer not configured")
	}

	transcript = NormalizeTranscript(transcript)
	chunks := chunkTranscript(transcript, a.chunkSize)
	if len(chunks) == 0 {
		return "", fmt.Errorf("no content to analyze")
	}

	if len(chunks) == 1 {
		a.logger.Info("analyzing meeting", "chars", len(chunks[0]), "has_focus", focus != "")
		out, err := a.complete(ctx, prompts.MeetingMinutesPrompt(chunks[0], focus, false))
		if err != nil {
			return "", fmt.Errorf("minutes: %w", err)
		}
		return strings.TrimSpace(out), nil
	}

	a.logger.Info("analyzing long meeting",
		"chunks", len(chunks),
		"chars", len(transcript),
		"has_focus", focus != "",
	)

	summaries, err := a.mapChunks(ctx, chunks, focus)
	if err != nil {
		return "", fmt.Errorf("map phase: %w", err)
	}

	var combined strings.Builder
	for i, s := range summaries {
		if i > 0 {
			combined.WriteString("\n\n")
		}
		fmt.Fprintf(&combined, "[Part %d]\n%s", i+1, strings.TrimSpace(s))
	}

	a.logger.Info("running reduce phase", "combined_length", combined.Len())

	out, err := a.complete(ctx, prompts.MeetingMinutesPrompt(combined.String(), focus, true))
	if err != nil {
		return "", fmt.Errorf("reduce phase: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// mapChunks summarizes every chunk in parallel, capped at
// maxParallelChunks. The first failure cancels the rest.
func (a *Analyzer) mapChunks(ctx context.Context, chunks []string, focus string) ([]string, error) {
	summaries := make([]string, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChunks)
	for i, chunk := range chunks {
		g.Go(func() error {
			result, err := a.complete(ctx, prompts.MeetingChunkPrompt(chunk, focus, i+1, len(chunks)))
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			summaries[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// chunkTranscript splits a transcript into chunks of roughly targetSize
// characters at paragraph boundaries (blank lines). Speech-to-text output
// is often one long paragraph, so a paragraph larger than targetSize is
// further split at sentence ends.
func chunkTranscript(transcript string, targetSize int) []string {
	if strings.TrimSpace(transcript) == "" {
		return nil
	}

	var pieces []string
	for _, p := range strings.Split(transcript, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) > targetSize {
			pieces = append(pieces, splitSentences(p, targetSize)...)
			continue
		}
		pieces = append(pieces, p)
	}

	var chunks []string
	var current strings.Builder
	for _, p := range pieces {
		if current.Len() > 0 && current.Len()+len(p)+2 > targetSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// splitSentences cuts text after ". ", "? " or "! " so that each piece
// stays under targetSize where possible. A single sentence longer than
// targetSize is kept whole.
func splitSentences(text string, targetSize int) []string {
	var out []string
	start, lastCut := 0, 0
	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if (c == '.' || c == '?' || c == '!') && text[i+1] == ' ' {
			cut := i + 1
			if cut-start > targetSize && lastCut > start {
				out = append(out, strings.TrimSpace(text[start:lastCut]))
				start = lastCut
			}
			lastCut = cut
		}
	}
	if len(text)-start > targetSize && lastCut > start {
		out = append(out, strings.TrimSpace(text[start:lastCut]))
		start = lastCut
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
