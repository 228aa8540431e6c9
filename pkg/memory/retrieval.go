package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/atrium-ai/atrium/pkg/llm"
	"github.com/atrium-ai/atrium/pkg/store"
)

// candidateWindow bounds how much session history is considered for
// candidate selection.
const candidateWindow = 50

const extractInstruction = `You are a memory retrieval assistant. From the conversation excerpts below, extract the facts, preferences, and contextual notes the assistant should carry forward for the current user message. Be brief and structured; if nothing is relevant, say so in one line. Output only the extracted information.`

// Options configures the retriever.
type Options struct {
	// TopK caps the candidates forwarded to the extraction stage.
	TopK int
	// ScoreFloor drops candidates the reranker scored below it.
	ScoreFloor float64
	// UserTurnThreshold gates retrieval: it runs only once the session
	// holds at least this many user messages. Assistant and tool
	// messages do not advance the count.
	UserTurnThreshold int
}

// Retriever produces the memory excerpt for the prompt composer.
type Retriever struct {
	store    *store.Store
	reranker Reranker
	provider llm.Provider
	model    string
	opts     Options
	logger   *slog.Logger
}

// NewRetriever wires the two retrieval stages. reranker may be nil, in
// which case candidate selection degrades to recency.
func NewRetriever(s *store.Store, reranker Reranker, provider llm.Provider, model string, opts Options, logger *slog.Logger) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = 20
	}
	if opts.UserTurnThreshold <= 0 {
		opts.UserTurnThreshold = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    s,
		reranker: reranker,
		provider: provider,
		model:    model,
		opts:     opts,
		logger:   logger,
	}
}

// Excerpt returns the memory block for the session and current user
// utterance. Persisted memory entries are always overlaid; the
// two-stage retrieval over message history runs only once the
// user-turn threshold is met.
func (r *Retriever) Excerpt(ctx context.Context, sessionID, utterance string) (string, error) {
	var sections []string

	entries, err := r.store.ListMemories(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(entries) > 0 {
		lines := make([]string, 0, len(entries)+1)
		lines = append(lines, "Known information about this conversation:")
		for _, entry := range entries {
			lines = append(lines, fmt.Sprintf("- [%s] %s: %s", entry.Category, entry.Key, entry.Value))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	turns, err := r.store.CountUserMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if turns >= r.opts.UserTurnThreshold {
		if retrieved := r.retrieve(ctx, sessionID, utterance); retrieved != "" {
			sections = append(sections, retrieved)
		}
	}

	return strings.Join(sections, "\n\n"), nil
}

// retrieve runs candidate selection and knowledge extraction.
// Retrieval is best-effort: any stage failure degrades rather than
// failing the request.
func (r *Retriever) retrieve(ctx context.Context, sessionID, utterance string) string {
	messages, err := r.store.ListMessages(ctx, sessionID, candidateWindow)
	if err != nil {
		r.logger.Warn("memory candidate load failed", slog.String("error", err.Error()))
		return ""
	}

	candidates := make([]*store.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "user" || msg.Role == "assistant" {
			candidates = append(candidates, msg)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	selected := r.selectCandidates(ctx, utterance, candidates)
	if len(selected) == 0 {
		return ""
	}

	excerpt, err := r.extract(ctx, utterance, selected)
	if err != nil {
		r.logger.Warn("memory extraction failed, returning raw candidates",
			slog.String("error", err.Error()))
		return formatCandidates(selected)
	}
	return excerpt
}

// selectCandidates is stage one: rerank scoring with a floor, keeping
// top-K. Without a reranker the most recent candidates are kept.
func (r *Retriever) selectCandidates(ctx context.Context, utterance string, candidates []*store.Message) []*store.Message {
	if r.reranker == nil {
		if len(candidates) > r.opts.TopK {
			return candidates[len(candidates)-r.opts.TopK:]
		}
		return candidates
	}

	documents := make([]string, len(candidates))
	for i, msg := range candidates {
		documents[i] = fmt.Sprintf("[%s] %s", msg.Role, truncate(msg.Content, 300))
	}

	results, err := r.reranker.Rerank(ctx, utterance, documents, r.opts.TopK)
	if err != nil {
		r.logger.Warn("rerank failed, falling back to recency",
			slog.String("error", err.Error()))
		if len(candidates) > r.opts.TopK {
			return candidates[len(candidates)-r.opts.TopK:]
		}
		return candidates
	}

	kept := make([]RerankResult, 0, len(results))
	for _, result := range results {
		if result.Index < 0 || result.Index >= len(candidates) {
			continue
		}
		if result.Score < r.opts.ScoreFloor {
			continue
		}
		kept = append(kept, result)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) > r.opts.TopK {
		kept = kept[:r.opts.TopK]
	}

	out := make([]*store.Message, 0, len(kept))
	for _, result := range kept {
		out = append(out, candidates[result.Index])
	}
	return out
}

// extract is stage two: the LLM condenses the candidates into an
// opaque excerpt for the prompt composer.
func (r *Retriever) extract(ctx context.Context, utterance string, candidates []*store.Message) (string, error) {
	var b strings.Builder
	b.WriteString(extractInstruction)
	b.WriteString("\n\nCurrent user message:\n")
	b.WriteString(utterance)
	b.WriteString("\n\nConversation excerpts:\n")
	for _, msg := range candidates {
		fmt.Fprintf(&b, "[%s %s] %s\n",
			msg.CreatedAt.Format("01-02 15:04"), msg.Role, truncate(msg.Content, 500))
	}

	resp, err := r.provider.Chat(ctx, llm.ChatRequest{
		Model:       r.model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature: 0.1,
		MaxTokens:   500,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func formatCandidates(candidates []*store.Message) string {
	lines := make([]string, 0, len(candidates)+1)
	lines = append(lines, "Relevant earlier messages:")
	for _, msg := range candidates {
		lines = append(lines, fmt.Sprintf("- [%s] %s", msg.Role, truncate(msg.Content, 200)))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
