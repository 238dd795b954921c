// Package triage uses an LLM to pick out comments that show engagement
// with the apps.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/TobiSchelling/trialwatch/internal/llm"
	"github.com/TobiSchelling/trialwatch/internal/logging"
)

const classifyPrompt = `Below is a list of comments from influencer posts promoting our apps: Astra (an astrology app), Haven (a bible app), Saga (a generative writing app), and Berry (a women's health app).

Return only the comments that show a user action or intent related to one of the apps. A mention of an app by name is enough. This covers downloading, installing, starting a trial, asking how to get the app, expressing direct interest, or describing something the app prompted them to do.

Leave out comments that only touch the general topic (astrology, the bible, writing, women's health) without referring to the app itself. When in doubt, include the comment.

Respond with ONLY a JSON array of strings, one string per selected comment, copied verbatim. No markdown.

Comments:
%s`

const (
	// DefaultBatchTokens caps the estimated size of one request.
	DefaultBatchTokens = 30000
	// PromptOverhead is the estimated token cost of the fixed prompt text.
	PromptOverhead = 300
	// DefaultMaxTokens bounds each response.
	DefaultMaxTokens = 500
)

// ErrNoProvider is returned when classification is attempted without an LLM.
var ErrNoProvider = errors.New("no LLM provider configured")

// Encoding is the tokenizer the batch budget is measured in.
const Encoding = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		e, err := tiktoken.GetEncoding(Encoding)
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountTokens returns the cl100k_base token count of text. If the encoding
// cannot be loaded it falls back to EstimateTokens.
func CountTokens(text string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens approximates the token count of text at four characters
// per token, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// SplitBatches groups comments so that each batch, plus overhead, stays
// within maxTokens. A single comment larger than the budget gets a batch
// of its own.
func SplitBatches(comments []string, maxTokens, overhead int) [][]string {
	var batches [][]string
	var current []string
	used := overhead
	for _, c := range comments {
		n := CountTokens(c)
		if len(current) > 0 && used+n > maxTokens {
			batches = append(batches, current)
			current = nil
			used = overhead
		}
		current = append(current, c)
		used += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// Classifier filters comments with an LLM.
type Classifier struct {
	provider    llm.Provider
	maxTokens   int
	batchTokens int
	logger      logging.Logger
}

// NewClassifier creates a classifier. maxTokens bounds each response; zero
// uses DefaultMaxTokens.
func NewClassifier(provider llm.Provider, maxTokens int, logger logging.Logger) *Classifier {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Classifier{
		provider:    provider,
		maxTokens:   maxTokens,
		batchTokens: DefaultBatchTokens,
		logger:      logger,
	}
}

// ClassifyRelevant returns the comments the model judged to be about the
// apps, across all batches. Batches whose response cannot be parsed are
// skipped. An error is returned only if no batch could be classified.
func (c *Classifier) ClassifyRelevant(ctx context.Context, comments []string) ([]string, error) {
	if len(comments) == 0 {
		return nil, nil
	}
	if c.provider == nil {
		return nil, ErrNoProvider
	}

	var (
		relevant []string
		ok       int
		lastErr  error
	)
	for i, batch := range SplitBatches(comments, c.batchTokens, PromptOverhead) {
		log := c.logger.WithFields(logging.Fields{"batch": i, "comments": len(batch)})

		listed, err := json.MarshalIndent(batch, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding comments: %w", err)
		}
		resp, err := c.provider.Generate(ctx, fmt.Sprintf(classifyPrompt, listed), c.maxTokens)
		if err != nil {
			lastErr = err
			log.WithError(err).Warn("Comment classification request failed")
			continue
		}

		selected, err := llm.ParseStringArray(resp)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("response", resp).Warn("Skipping unparseable classification")
			continue
		}
		ok++
		relevant = append(relevant, selected...)
	}

	if ok == 0 {
		return nil, fmt.Errorf("classifying comments: %w", lastErr)
	}
	return relevant, nil
}

// CommentSource returns raw comments for a post.
type CommentSource interface {
	FetchComments(ctx context.Context, postURL string) ([]string, error)
}

// Filter combines a comment source with a classifier.
type Filter struct {
	source     CommentSource
	classifier *Classifier
}

// NewFilter creates a Filter.
func NewFilter(source CommentSource, classifier *Classifier) *Filter {
	return &Filter{source: source, classifier: classifier}
}

// RelevantComments fetches the comments of postURL and keeps the ones
// about the apps.
func (f *Filter) RelevantComments(ctx context.Context, postURL string) ([]string, error) {
	comments, err := f.source.FetchComments(ctx, postURL)
	if err != nil {
		return nil, err
	}
	return f.classifier.ClassifyRelevant(ctx, comments)
}
