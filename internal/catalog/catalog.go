package catalog

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Item is one stimulus entry. Items are fixed at configuration time and never
// mutated during a session.
type Item struct {
	Word        string `yaml:"word"`
	Translation string `yaml:"translation"`
	ID          int    `yaml:"id"`
	List        string `yaml:"list"`
}

// NormalizedWord strips accents and lowercases the word. Audio assets and
// per-trial recordings are addressed by this form so filenames stay ASCII-safe.
func (it Item) NormalizedWord() string {
	return Normalize(it.Word)
}

var stripMn = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases s and removes combining marks (accents).
func Normalize(s string) string {
	out, _, err := transform.String(stripMn, strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// SafeID reduces a free-form identifier to a filename-safe token: accents are
// stripped, case is kept, and every run of characters outside [A-Za-z0-9_-]
// collapses to a single underscore. Participant identifiers are opaque input,
// so this is the only form that may appear in artifact and archive names.
func SafeID(s string) string {
	base, _, err := transform.String(stripMn, strings.TrimSpace(s))
	if err != nil {
		base = strings.TrimSpace(s)
	}
	var b strings.Builder
	b.Grow(len(base))
	pending := false
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	if b.Len() == 0 {
		return "participant"
	}
	return b.String()
}

// Catalog is the immutable stimulus set for a session.
type Catalog struct {
	items []Item
}

// Load reads a YAML catalog file. An empty path yields the built-in default set.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML catalog data and validates it.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Items []Item `yaml:"items"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i := range doc.Items {
		if doc.Items[i].ID == 0 {
			doc.Items[i].ID = i + 1
		}
	}
	c := &Catalog{items: doc.Items}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	if len(c.items) == 0 {
		return fmt.Errorf("catalog has no items")
	}
	seen := make(map[string]struct{}, len(c.items))
	for _, it := range c.items {
		if strings.TrimSpace(it.Word) == "" {
			return fmt.Errorf("catalog item %d has an empty word", it.ID)
		}
		key := it.NormalizedWord()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("catalog word %q is not unique after normalization", it.Word)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Items returns a copy of the catalog entries in definition order.
func (c *Catalog) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Len reports the number of stimulus items.
func (c *Catalog) Len() int { return len(c.items) }

// Default returns the built-in L2->L1 production set.
func Default() *Catalog {
	words := []struct{ word, translation string }{
		{"elote", "とうもろこし"},
		{"ardilla", "リス"},
		{"basurero", "ごみ箱"},
		{"caballo", "馬"},
		{"cebolla", "玉ねぎ"},
		{"cinta", "テープ"},
		{"conejo", "ウサギ"},
		{"cuaderno", "ノート"},
		{"fresas", "いちご"},
		{"gato", "猫"},
		{"grapadora", "ホッチキス"},
		{"hongos", "きのこ"},
		{"lápiz", "鉛筆"},
		{"lechuga", "レタス"},
		{"loro", "オウム"},
		{"manzana", "りんご"},
		{"naranja", "オレンジ"},
		{"oso", "熊"},
		{"pato", "アヒル"},
		{"pez", "魚"},
		{"reloj", "時計"},
		{"sandía", "スイカ"},
		{"tijeras", "ハサミ"},
		{"tiza", "チョーク"},
	}
	items := make([]Item, len(words))
	for i, w := range words {
		list := "A"
		if i >= len(words)/2 {
			list = "B"
		}
		items[i] = Item{Word: w.word, Translation: w.translation, ID: i + 1, List: list}
	}
	return &Catalog{items: items}
}
