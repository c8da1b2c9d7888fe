package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const classifyPromptTemplate = `You are sorting a personal email into exactly one category.

Categories:
%s

Email:
  From: %s
  Subject: %s
  Body: %s

Respond with a single JSON object and nothing else:
{"predicted_folder": "<name>", "secondary_labels": ["..."], "confidence": <0.0-1.0>}`

// classifyResponse mirrors the model's folder-oriented vocabulary
// (predicted_folder): a folder name is this domain's category name, so
// no further mapping is needed once parsed.
type classifyResponse struct {
	PredictedFolder string      `json:"predicted_folder"`
	SecondaryLabels []string    `json:"secondary_labels"`
	Confidence      json.Number `json:"confidence"`
}

// Classify assigns sample to one of the named categories. A response
// that fails to parse, or names a category outside categoryDescriptions,
// falls back to fallbackCategory with zero confidence rather than
// inventing a new category name.
func (c *Client) Classify(ctx context.Context, sample Sample, categoryDescriptions map[string]string, fallbackCategory string) (Classification, error) {
	if fallbackCategory == "" {
		fallbackCategory = "Unknown"
	}

	var b strings.Builder
	for name, desc := range categoryDescriptions {
		fmt.Fprintf(&b, "- %s: %s\n", name, desc)
	}

	prompt := fmt.Sprintf(classifyPromptTemplate, b.String(),
		sample.From, sample.Subject, truncate(sample.Body, 1500))

	text, err := c.generate(ctx, prompt)
	if err != nil {
		return Classification{}, err
	}

	valid := make(map[string]bool, len(categoryDescriptions))
	for name := range categoryDescriptions {
		valid[name] = true
	}

	category := fallbackCategory
	confidence := 0.0

	jsonStr := extractJSON(text, '{', '}')
	var parsed classifyResponse
	if jsonStr != "" && json.Unmarshal([]byte(jsonStr), &parsed) == nil {
		if parsed.PredictedFolder != "" {
			category = parsed.PredictedFolder
		}
		if f, err := parsed.Confidence.Float64(); err == nil {
			confidence = f
		}
	} else {
		c.log.WarnContext(ctx, "failed to parse classification response")
	}

	if !valid[category] {
		if normalized, ok := normalizeFolderName(category, valid); ok {
			category = normalized
		} else {
			c.log.WarnContext(ctx, "model returned unknown category, using fallback", "category", category)
			category = fallbackCategory
			confidence = 0
		}
	}

	return Classification{Category: category, Confidence: confidence}, nil
}

const describeFolderPromptTemplate = `Summarize, in one or two sentences, what kind of email belongs in the
folder %q based on these samples:

%s

Respond with the description only, no preamble.`

// DescribeFolder asks the model to summarize what a folder is used
// for, from a handful of sample messages.
func (c *Client) DescribeFolder(ctx context.Context, folder string, samples []Sample) (FolderDescription, error) {
	var b strings.Builder
	for i, s := range samples {
		fmt.Fprintf(&b, "Email %d:\n  From: %s\n  Subject: %s\n  Preview: %s\n\n",
			i+1, s.From, s.Subject, truncate(s.Body, 200))
	}

	prompt := fmt.Sprintf(describeFolderPromptTemplate, folder, b.String())
	text, err := c.generate(ctx, prompt)
	if err != nil {
		return FolderDescription{}, err
	}
	return FolderDescription{Folder: folder, Description: strings.TrimSpace(text)}, nil
}
