package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const refineTaxonomyPromptTemplate = `You are building a category taxonomy for a personal mailbox by
examining batches of sample emails.

Categories so far:
%s

Batch %d samples:
%s

Respond with a single JSON object:
{
  "categories": [{"name": "...", "description": "...", "example_criteria": ["..."]}],
  "email_assignments": [{"message_id": "...", "category": "..."}]
}
Keep every existing category that still applies and add new ones only
when a batch of emails clearly doesn't fit any of them.`

type refineResponse struct {
	Categories []struct {
		Name            string   `json:"name"`
		Description     string   `json:"description"`
		ExampleCriteria []string `json:"example_criteria"`
	} `json:"categories"`
	EmailAssignments []struct {
		MessageID string `json:"message_id"`
		Category  string `json:"category"`
	} `json:"email_assignments"`
}

// RefineTaxonomy processes one batch of sample messages against the
// categories discovered so far, returning the updated category set
// and this batch's assignments. A response that fails to parse, even
// after repair, leaves existing unchanged with no new assignments
// rather than discarding prior progress.
func (c *Client) RefineTaxonomy(ctx context.Context, batchNum int, samples []Sample, existing []SuggestedCategory) ([]SuggestedCategory, []Assignment, error) {
	var catsText strings.Builder
	if len(existing) == 0 {
		catsText.WriteString("(none yet - first batch)")
	}
	for _, cat := range existing {
		fmt.Fprintf(&catsText, "- %s: %s\n", cat.Name, cat.Description)
	}

	var samplesText strings.Builder
	for _, s := range samples {
		fmt.Fprintf(&samplesText, "Email %s:\n  From: %s\n  Subject: %s\n  Preview: %s\n\n",
			s.MessageID, s.From, s.Subject, truncate(s.Body, 150))
	}

	prompt := fmt.Sprintf(refineTaxonomyPromptTemplate, catsText.String(), batchNum, samplesText.String())

	text, err := c.generate(ctx, prompt)
	if err != nil {
		return existing, nil, err
	}

	var parsed refineResponse
	if err := c.parseWithRepair(ctx, text, '{', '}', &parsed); err != nil {
		c.log.WarnContext(ctx, "failed to parse refinement response", "error", err)
		return existing, nil, nil
	}

	categoryMap := make(map[string]SuggestedCategory)
	for _, item := range parsed.Categories {
		categoryMap[item.Name] = SuggestedCategory{
			Name:        item.Name,
			Description: item.Description,
			MergedFrom:  item.ExampleCriteria,
		}
	}

	var assignments []Assignment
	for _, a := range parsed.EmailAssignments {
		cat := a.Category
		if cat == "" {
			cat = "Uncategorized"
		}
		if _, ok := categoryMap[cat]; !ok {
			categoryMap[cat] = SuggestedCategory{Name: cat, Description: fmt.Sprintf("Emails assigned to %s", cat)}
		}
		assignments = append(assignments, Assignment{MessageID: a.MessageID, Category: cat})
	}

	for _, prior := range existing {
		if _, ok := categoryMap[prior.Name]; !ok {
			categoryMap[prior.Name] = prior
		}
	}

	return sortedCategories(categoryMap), assignments, nil
}

func sortedCategories(m map[string]SuggestedCategory) []SuggestedCategory {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]SuggestedCategory, 0, len(names))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}

const normalizeTaxonomyPromptTemplate = `You are consolidating an overgrown, redundant category list of %d
entries for a personal mailbox into a clean, non-overlapping taxonomy.

Categories:
%s

Respond with a single JSON object:
{
  "consolidated_categories": [{"name": "...", "description": "...", "merged_from": ["..."]}],
  "rename_map": {"<old category name>": "<new consolidated name>", ...}
}
The rename_map MUST contain an entry for every one of the %d original
category names listed above, including ones that are kept unchanged.`

type normalizeResponse struct {
	ConsolidatedCategories []struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		MergedFrom  []string `json:"merged_from"`
	} `json:"consolidated_categories"`
	RenameMap map[string]string `json:"rename_map"`
}

// NormalizeTaxonomy consolidates overlapping categories into a
// cleaner set and returns a rename map whose domain is guaranteed to
// equal the set of input category names: any name the model's first
// pass omits is repaired via RepairRenameMap, and any name still
// missing after that is mapped to itself.
func (c *Client) NormalizeTaxonomy(ctx context.Context, categories []SuggestedCategory) ([]SuggestedCategory, map[string]string, error) {
	if len(categories) < 2 {
		identity := make(map[string]string, len(categories))
		for _, cat := range categories {
			identity[cat.Name] = cat.Name
		}
		return categories, identity, nil
	}

	originalDescriptions := make(map[string]string, len(categories))
	originalNames := make(map[string]bool, len(categories))
	var catsText strings.Builder
	for _, cat := range categories {
		originalDescriptions[cat.Name] = cat.Description
		originalNames[cat.Name] = true
		fmt.Fprintf(&catsText, "- %s: %s\n", cat.Name, cat.Description)
	}

	prompt := fmt.Sprintf(normalizeTaxonomyPromptTemplate, len(categories), catsText.String(), len(categories))

	text, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, nil, err
	}

	identity := func() map[string]string {
		m := make(map[string]string, len(categories))
		for _, cat := range categories {
			m[cat.Name] = cat.Name
		}
		return m
	}

	var parsed normalizeResponse
	if err := c.parseWithRepair(ctx, text, '{', '}', &parsed); err != nil {
		c.log.WarnContext(ctx, "failed to parse normalization response", "error", err)
		return categories, identity(), nil
	}

	consolidated := make([]SuggestedCategory, 0, len(parsed.ConsolidatedCategories))
	for _, item := range parsed.ConsolidatedCategories {
		consolidated = append(consolidated, SuggestedCategory{
			Name:        item.Name,
			Description: item.Description,
			MergedFrom:  item.MergedFrom,
		})
	}
	renameMap := parsed.RenameMap
	if renameMap == nil {
		renameMap = map[string]string{}
	}

	missing := missingNames(originalNames, renameMap)
	if len(missing) > 0 {
		c.log.WarnContext(ctx, "rename map missing categories", "count", len(missing))
		consolidated, renameMap, err = c.RepairRenameMap(ctx, categories, consolidated, renameMap)
		if err != nil {
			return nil, nil, err
		}

		stillMissing := missingNames(originalNames, renameMap)
		if len(stillMissing) > 0 {
			c.log.WarnContext(ctx, "categories still missing after repair, mapping to self", "count", len(stillMissing))
			have := make(map[string]bool, len(consolidated))
			for _, cat := range consolidated {
				have[cat.Name] = true
			}
			for name := range stillMissing {
				renameMap[name] = name
				if !have[name] {
					consolidated = append(consolidated, SuggestedCategory{
						Name:        name,
						Description: originalDescriptions[name],
					})
				}
			}
		}
	}

	return consolidated, renameMap, nil
}

func missingNames(original map[string]bool, renameMap map[string]string) map[string]bool {
	missing := make(map[string]bool)
	for name := range original {
		if _, ok := renameMap[name]; !ok {
			missing[name] = true
		}
	}
	return missing
}

const repairRenameMapPromptTemplate = `A category consolidation left %d of %d original categories unmapped.

All %d original categories:
%s

Consolidated categories:
%s

Existing mappings:
%s

Missing categories that still need a mapping:
%s

Respond with a single JSON object mapping each missing category name
to the consolidated category it belongs in:
{"mappings": {"<old name>": "<new name>", ...}}`

type repairRenameMapResponse struct {
	Mappings map[string]string `json:"mappings"`
}

// RepairRenameMap asks the model to fill in rename-map entries for
// original categories the normalization pass left unmapped.
func (c *Client) RepairRenameMap(ctx context.Context, original, consolidated []SuggestedCategory, partial map[string]string) ([]SuggestedCategory, map[string]string, error) {
	originalByName := make(map[string]SuggestedCategory, len(original))
	for _, cat := range original {
		originalByName[cat.Name] = cat
	}

	var missing []string
	for _, cat := range original {
		if _, ok := partial[cat.Name]; !ok {
			missing = append(missing, cat.Name)
		}
	}
	sort.Strings(missing)

	var originalText, consolidatedText, mappingsText, missingText strings.Builder
	for _, cat := range original {
		fmt.Fprintf(&originalText, "- %s: %s\n", cat.Name, cat.Description)
	}
	for _, cat := range consolidated {
		fmt.Fprintf(&consolidatedText, "- %s: %s\n", cat.Name, cat.Description)
	}
	mappingKeys := make([]string, 0, len(partial))
	for k := range partial {
		mappingKeys = append(mappingKeys, k)
	}
	sort.Strings(mappingKeys)
	for _, k := range mappingKeys {
		fmt.Fprintf(&mappingsText, "  %s -> %s\n", k, partial[k])
	}
	for _, name := range missing {
		fmt.Fprintf(&missingText, "- %s: %s\n", name, originalByName[name].Description)
	}

	prompt := fmt.Sprintf(repairRenameMapPromptTemplate,
		len(missing), len(original), len(original),
		originalText.String(), consolidatedText.String(), mappingsText.String(), missingText.String())

	text, err := c.generate(ctx, prompt)
	if err != nil {
		return consolidated, partial, err
	}

	var parsed repairRenameMapResponse
	if err := c.parseWithRepair(ctx, text, '{', '}', &parsed); err != nil {
		c.log.WarnContext(ctx, "failed to parse rename map repair response", "error", err)
		return consolidated, partial, nil
	}

	missingSet := make(map[string]bool, len(missing))
	for _, name := range missing {
		missingSet[name] = true
	}
	for oldName, newName := range parsed.Mappings {
		if missingSet[oldName] {
			partial[oldName] = newName
		}
	}
	return consolidated, partial, nil
}
