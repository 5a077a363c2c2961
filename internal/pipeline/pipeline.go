// Package pipeline runs the per-turn conversational flow: record the
// question, retrieve context from the session's index partition, and
// generate an answer grounded in that context plus the full conversation
// history.
//
// The pipeline is a fixed linear state machine. Each stage consumes an
// immutable state value and produces the next one; a stage failure stops
// the run and reports which stage failed. The pipeline never touches
// persistent history itself. It returns the two new turns and the caller
// decides whether to commit them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"google.golang.org/genai"

	"github.com/docsmith/docchat/internal/history"
	"github.com/docsmith/docchat/internal/index"
)

// systemInstruction grounds every generation. The retrieved context is
// substituted into the trailing block; the instruction itself never varies
// between turns.
const systemInstruction = "You are a helpful assistant for question-answering tasks. " +
	"Use the provided context and the previous conversation to answer the question. " +
	"If you don't know the answer, just say that you don't know.\n\n" +
	"Context:\n%s"

// generateTimeout bounds a single model call.
const generateTimeout = 60 * time.Second

// Stage identifies a step of the per-turn flow, for logging and error
// reporting.
type Stage string

const (
	StageRecordQuestion Stage = "record_question"
	StageRetrieve       Stage = "retrieve"
	StageGenerate       Stage = "generate"
	StageDone           Stage = "done"
)

// Sentinel errors for pipeline runs. Check with errors.Is().
var (
	// ErrEmptyQuestion indicates a blank question reached the pipeline.
	ErrEmptyQuestion = errors.New("empty question")

	// ErrRateLimited indicates the model provider rejected the call for
	// quota reasons. Callers may retry after backing off.
	ErrRateLimited = errors.New("model rate limited")

	// ErrGeneration indicates the model call failed for a non-quota
	// reason.
	ErrGeneration = errors.New("answer generation failed")
)

// StageError wraps a stage failure so callers can report where a turn
// died without parsing error strings.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retriever is the slice of the vector index the pipeline needs.
type Retriever interface {
	Query(ctx context.Context, sessionID, question string, k int) ([]index.Result, error)
}

// Outcome is the result of a completed run. Turns holds the human
// question followed by the assistant answer; neither has been persisted.
type Outcome struct {
	Answer    string
	Turns     []history.Turn
	Retrieved []index.Result
}

// state carries a run through the stages. Stages never mutate their
// input; each returns a fresh value.
type state struct {
	sessionID string
	question  string
	history   []history.Turn
	humanTurn history.Turn
	retrieved []index.Result
	answer    string
}

// Pipeline executes the per-turn flow against a Genkit model.
type Pipeline struct {
	g         *genkit.Genkit
	modelName string
	retriever Retriever
	topK      int
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTopK overrides the number of chunks retrieved per turn.
func WithTopK(k int) Option {
	return func(p *Pipeline) {
		if k > 0 {
			p.topK = k
		}
	}
}

// New creates a Pipeline generating with the named model.
func New(g *genkit.Genkit, modelName string, retriever Retriever, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		g:         g,
		modelName: modelName,
		retriever: retriever,
		topK:      index.DefaultTopK,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one turn. hist is the session's transcript before this
// question; it is read, never written.
func (p *Pipeline) Run(ctx context.Context, sessionID, question string, hist []history.Turn) (*Outcome, error) {
	start := time.Now()

	st := state{sessionID: sessionID, question: question, history: hist}

	st, err := p.recordQuestion(st)
	if err != nil {
		return nil, &StageError{Stage: StageRecordQuestion, Err: err}
	}

	st, err = p.retrieve(ctx, st)
	if err != nil {
		return nil, &StageError{Stage: StageRetrieve, Err: err}
	}

	st, err = p.generate(ctx, st)
	if err != nil {
		return nil, &StageError{Stage: StageGenerate, Err: err}
	}

	p.logger.Info("turn completed",
		"session_id", sessionID,
		"retrieved", len(st.retrieved),
		"duration", time.Since(start))

	now := time.Now()
	return &Outcome{
		Answer: st.answer,
		Turns: []history.Turn{
			{Role: history.RoleHuman, Text: st.question, CreatedAt: now},
			{Role: history.RoleAssistant, Text: st.answer, CreatedAt: now},
		},
		Retrieved: st.retrieved,
	}, nil
}

// recordQuestion validates the question and forms the human turn.
func (p *Pipeline) recordQuestion(st state) (state, error) {
	question := strings.TrimSpace(st.question)
	if question == "" {
		return st, ErrEmptyQuestion
	}
	st.question = question
	st.humanTurn = history.Turn{Role: history.RoleHuman, Text: question}
	return st, nil
}

// retrieve queries the session's partition with the latest question only.
// Prior turns do not influence retrieval.
func (p *Pipeline) retrieve(ctx context.Context, st state) (state, error) {
	results, err := p.retriever.Query(ctx, st.sessionID, st.humanTurn.Text, p.topK)
	if err != nil {
		return st, err
	}
	p.logger.Debug("retrieved context",
		"session_id", st.sessionID, "chunks", len(results))
	st.retrieved = results
	return st, nil
}

// generate asks the model for an answer given the retrieved context and
// the full conversation so far.
func (p *Pipeline) generate(ctx context.Context, st state) (state, error) {
	genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	messages := make([]*ai.Message, 0, len(st.history)+1)
	for _, t := range st.history {
		switch t.Role {
		case history.RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(t.Text)))
		default:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(t.Text)))
		}
	}
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(st.humanTurn.Text)))

	resp, err := genkit.Generate(genCtx, p.g,
		ai.WithModelName(p.modelName),
		ai.WithSystem(fmt.Sprintf(systemInstruction, contextBlock(st.retrieved))),
		ai.WithMessages(messages...),
		// Temperature 0 keeps answers deterministic given identical
		// context and history.
		ai.WithConfig(&genai.GenerateContentConfig{
			Temperature: genai.Ptr[float32](0),
		}),
	)
	if err != nil {
		return st, classifyGenerateError(err)
	}

	answer := strings.TrimSpace(resp.Text())
	if answer == "" {
		return st, fmt.Errorf("%w: model returned empty response", ErrGeneration)
	}
	st.answer = answer
	return st, nil
}

// contextBlock joins retrieved chunk texts with blank lines, mirroring
// how the chunks were separated in the source document.
func contextBlock(results []index.Result) string {
	if len(results) == 0 {
		return ""
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Chunk.Text
	}
	return strings.Join(texts, "\n\n")
}

// classifyGenerateError folds provider errors into the pipeline's error
// taxonomy. Rate-limit class errors are detected by substring since
// providers expose no stable error types.
func classifyGenerateError(err error) error {
	if containsAny(err.Error(), "rate limit", "quota exceeded", "429", "resource exhausted") {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", ErrGeneration, err)
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
