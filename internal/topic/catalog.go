package topic

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/adstudio/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog maps each topic to the keywords that indicate it.
type Catalog struct {
	entries []catalogEntry
}

type catalogEntry struct {
	topic   domain.Topic
	words   map[string]struct{}
	phrases []string
}

type catalogFile struct {
	Topics []struct {
		Topic    string   `yaml:"topic"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"topics"`
}

// DefaultCatalog returns the embedded keyword catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic("topic: embedded catalog is invalid: " + err.Error())
	}
	return c
}

// LoadCatalog reads a catalog file, or returns the embedded one for "".
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topic catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog. Entries are kept in canonical topic
// order regardless of file order so ties resolve deterministically.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode topic catalog: %w", err)
	}

	byTopic := make(map[domain.Topic]*catalogEntry)
	for _, t := range file.Topics {
		tp, err := domain.ParseTopic(t.Topic)
		if err != nil {
			return nil, fmt.Errorf("topic catalog: %w", err)
		}
		entry, ok := byTopic[tp]
		if !ok {
			entry = &catalogEntry{topic: tp, words: map[string]struct{}{}}
			byTopic[tp] = entry
		}
		for _, kw := range t.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			switch {
			case kw == "":
			case strings.ContainsRune(kw, ' '):
				entry.phrases = append(entry.phrases, kw)
			default:
				entry.words[kw] = struct{}{}
			}
		}
	}

	c := &Catalog{}
	for _, tp := range domain.Topics() {
		if entry, ok := byTopic[tp]; ok {
			c.entries = append(c.entries, *entry)
		}
	}
	if len(c.entries) == 0 {
		return nil, fmt.Errorf("topic catalog: no topics defined")
	}
	return c, nil
}
