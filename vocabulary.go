package feedback

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Vocabulary is the closed set of labels the classifier may assign.
type Vocabulary struct {
	labels []string
	set    map[string]struct{}
}

// NewVocabulary trims and de-duplicates labels, keeping their order.
func NewVocabulary(labels []string) (*Vocabulary, error) {
	v := &Vocabulary{set: make(map[string]struct{})}
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := v.set[l]; ok {
			continue
		}
		v.set[l] = struct{}{}
		v.labels = append(v.labels, l)
	}
	if len(v.labels) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	return v, nil
}

// LoadVocabularyFile reads one label per line. Blank lines and lines
// starting with # are ignored.
func LoadVocabularyFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		labels = append(labels, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return NewVocabulary(labels)
}

func (v *Vocabulary) Labels() []string {
	return slices.Clone(v.labels)
}

func (v *Vocabulary) Contains(label string) bool {
	_, ok := v.set[label]
	return ok
}

// Closed reports whether every label is in the vocabulary.
func (v *Vocabulary) Closed(labels []string) bool {
	for _, l := range labels {
		if !v.Contains(l) {
			return false
		}
	}
	return true
}
