package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/legisearch/legisearch/llm"
	"github.com/legisearch/legisearch/model"
)

// maxGroundingCitations bounds how many citations feed the prompt.
const maxGroundingCitations = 10

const synthesisSystemPrompt = `You are a legislative research assistant. Answer the user's question using only the provided sources. Cite sources inline by their bracketed number, like [1]. If the sources do not answer the question, say so.`

// providerSynthesizer adapts an llm.Provider to the controller's
// Synthesizer interface: it grounds a prompt in the top citations and
// forwards streamed tokens to emit.
type providerSynthesizer struct {
	provider llm.Provider
}

func (s *providerSynthesizer) Synthesize(ctx context.Context, query string, citations []model.Citation, emit func(text string) error) error {
	messages := []llm.ChatMessage{
		llm.SystemMessage(synthesisSystemPrompt),
		llm.UserMessage(groundingPrompt(query, citations)),
	}

	chunks := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(chunks)
		_, err := s.provider.StreamChat(ctx, messages, chunks)
		errCh <- err
	}()

	for chunk := range chunks {
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return <-errCh
}

// groundingPrompt renders the question plus numbered source blocks.
func groundingPrompt(query string, citations []model.Citation) string {
	limit := len(citations)
	if limit > maxGroundingCitations {
		limit = maxGroundingCitations
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nSources:\n", query)
	for i, cit := range citations[:limit] {
		fmt.Fprintf(&b, "\n[%d] %s (%s)\n%s\n", i+1, cit.Title, cit.URL, cit.Excerpt)
	}
	return b.String()
}
