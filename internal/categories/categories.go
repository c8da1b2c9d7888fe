// Package categories loads and saves the human-editable category
// taxonomy file used to drive LLM classification prompts.
package categories

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Category is a single named classification target.
type Category struct {
	Name        string
	Description string
}

func (c Category) String() string {
	return fmt.Sprintf("%s: %s", c.Name, c.Description)
}

const preamble = `# mailmap category definitions
#
# Format: Name: description text (may continue on following lines)
# Blank lines separate entries. Lines starting with # are comments.
`

// Load reads a line-oriented category file. A missing file yields an
// empty, non-error result.
func Load(path string) ([]Category, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("categories: open %s: %w", path, err)
	}
	defer f.Close()

	var out []Category
	var name string
	var descLines []string

	save := func() {
		if name != "" && len(descLines) > 0 {
			out = append(out, Category{Name: name, Description: strings.Join(descLines, " ")})
		}
		name = ""
		descLines = nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if trimmed == "" {
			save()
			continue
		}

		if isNewEntry(line) {
			save()
			idx := strings.Index(line, ":")
			name = strings.TrimSpace(line[:idx])
			rest := strings.TrimSpace(line[idx+1:])
			if rest != "" {
				descLines = append(descLines, rest)
			}
			continue
		}

		// Continuation of the current description.
		descLines = append(descLines, trimmed)
	}
	save()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("categories: read %s: %w", path, err)
	}
	return out, nil
}

// isNewEntry reports whether line opens a new "Name: description"
// entry: it must not start with whitespace, must contain a colon, and
// the candidate name (before the colon) must be a single token.
func isNewEntry(line string) bool {
	if len(line) == 0 {
		return false
	}
	if line[0] == ' ' || line[0] == '\t' {
		return false
	}
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return false
	}
	name := line[:idx]
	return !strings.ContainsAny(name, " \t")
}

// Save writes categories to path in the canonical format, preceded by
// a fixed preamble comment block.
func Save(cats []Category, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("categories: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(preamble); err != nil {
		return err
	}
	for _, c := range cats {
		if _, err := fmt.Fprintf(w, "\n%s: %s\n", c.Name, c.Description); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Descriptions returns a name-to-description map built from cats. The
// result is a plain map: the insertion order of cats is not preserved,
// and ranging over it visits names in no defined order.
func Descriptions(cats []Category) map[string]string {
	m := make(map[string]string, len(cats))
	for _, c := range cats {
		m[c.Name] = c.Description
	}
	return m
}

// FormatForPrompt renders the category list as a bullet block for
// inclusion in an LLM prompt.
func FormatForPrompt(cats []Category) string {
	var b strings.Builder
	for _, c := range cats {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	return b.String()
}
