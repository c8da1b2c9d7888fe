// Package induction builds a category taxonomy from sample messages
// by iteratively refining it in batches and then normalizing the
// result to merge overlapping categories.
package induction

import (
	"context"
	"fmt"

	"github.com/fenilsonani/mailmap/internal/categories"
	"github.com/fenilsonani/mailmap/internal/llm"
	"github.com/fenilsonani/mailmap/internal/logging"
)

const batchSize = 100

// Result is the outcome of one induction run.
type Result struct {
	Categories  []categories.Category
	Assignments map[string]string // message id -> final category name
}

// Run batches samples through the LLM's refine operation, normalizes
// the resulting taxonomy, and rewrites every batch assignment through
// the normalization's rename map so the final assignments always
// reference a category that still exists.
func Run(ctx context.Context, client *llm.Client, log *logging.Logger, samples []llm.Sample) (Result, error) {
	var cats []llm.SuggestedCategory
	assignments := make(map[string]string)

	batchNum := 0
	for start := 0; start < len(samples); start += batchSize {
		batchNum++
		end := min(start+batchSize, len(samples))
		batch := samples[start:end]

		refined, batchAssignments, err := client.RefineTaxonomy(ctx, batchNum, batch, cats)
		if err != nil {
			return Result{}, fmt.Errorf("induction: refine batch %d: %w", batchNum, err)
		}
		cats = refined

		for _, a := range batchAssignments {
			assignments[a.MessageID] = a.Category
		}

		log.InfoContext(ctx, "refined taxonomy batch",
			"batch", batchNum, "categories", len(cats), "batch_size", len(batch))
	}

	if len(cats) == 0 {
		return Result{}, nil
	}

	log.InfoContext(ctx, "normalizing taxonomy", "categories", len(cats))
	consolidated, renameMap, err := client.NormalizeTaxonomy(ctx, cats)
	if err != nil {
		return Result{}, fmt.Errorf("induction: normalize taxonomy: %w", err)
	}

	// The rename map's domain is guaranteed to equal the pre-rename
	// category name set by NormalizeTaxonomy's self-mapping fallback,
	// so every assignment resolves to a surviving category.
	for messageID, oldCategory := range assignments {
		if newCategory, ok := renameMap[oldCategory]; ok {
			assignments[messageID] = newCategory
		}
	}

	out := make([]categories.Category, 0, len(consolidated))
	for _, c := range consolidated {
		out = append(out, categories.Category{Name: c.Name, Description: c.Description})
	}

	// A rename target the model left out of its consolidated list is
	// added, carrying the description of a category mapped onto it.
	have := make(map[string]bool, len(out))
	for _, c := range out {
		have[c.Name] = true
	}
	for _, c := range cats {
		if target, ok := renameMap[c.Name]; ok && !have[target] {
			out = append(out, categories.Category{Name: target, Description: c.Description})
			have[target] = true
		}
	}

	log.InfoContext(ctx, "induction complete", "categories", len(out), "assignments", len(assignments))
	return Result{Categories: out, Assignments: assignments}, nil
}
