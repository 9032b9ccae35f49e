package geo

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"feed-engine/internal/domain"
)

//go:embed neighbors.yaml
var defaultDataset []byte

var parenthetical = regexp.MustCompile(`\([^)]*\)`)

var separators = strings.NewReplacer("-", " ", "_", " ", "/", " ", ".", " ", ",", " ", "ß", "ss")

// Canonical приводит название места к единому ключу: без регистра, диакритики и уточнений в скобках.
func Canonical(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return ""
	}
	s = parenthetical.ReplaceAllString(s, " ")
	s = separators.Replace(s)
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err == nil {
		s = stripped
	}
	return strings.Join(strings.Fields(s), " ")
}

// Index — статический справочник соседних городов и регионов.
type Index struct {
	cities  map[string][]string
	regions map[string][]string
}

var _ domain.GeoIndex = (*Index)(nil)

type dataset struct {
	Cities  map[string][]string `yaml:"cities"`
	Regions map[string][]string `yaml:"regions"`
}

// Load разбирает YAML-справочник. Ключи нормализуются один раз, связи становятся симметричными.
func Load(r io.Reader) (*Index, error) {
	var ds dataset
	if err := yaml.NewDecoder(r).Decode(&ds); err != nil && err != io.EOF {
		return nil, fmt.Errorf("разбор справочника соседей: %w", err)
	}
	return &Index{cities: build(ds.Cities), regions: build(ds.Regions)}, nil
}

// LoadFile загружает справочник из файла. Пустой путь означает встроенный набор данных.
func LoadFile(path string) (*Index, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("открытие справочника %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Default возвращает встроенный справочник.
func Default() (*Index, error) {
	return Load(strings.NewReader(string(defaultDataset)))
}

// NeighborsOfCity возвращает соседние города. Неизвестный город даёт пустой список.
func (i *Index) NeighborsOfCity(city string) []string {
	return lookup(i.cities, city)
}

// NeighborsOfRegion возвращает соседние регионы. Неизвестный регион даёт пустой список.
func (i *Index) NeighborsOfRegion(region string) []string {
	return lookup(i.regions, region)
}

func lookup(m map[string][]string, name string) []string {
	if m == nil {
		return []string{}
	}
	found, ok := m[Canonical(name)]
	if !ok {
		return []string{}
	}
	return append([]string(nil), found...)
}

func build(raw map[string][]string) map[string][]string {
	out := make(map[string][]string, len(raw))
	seen := make(map[string]map[string]struct{}, len(raw))
	link := func(from, to string) {
		key := Canonical(from)
		target := Canonical(to)
		if key == "" || target == "" || key == target {
			return
		}
		if seen[key] == nil {
			seen[key] = make(map[string]struct{})
		}
		if _, dup := seen[key][target]; dup {
			return
		}
		seen[key][target] = struct{}{}
		out[key] = append(out[key], strings.TrimSpace(to))
	}
	for place, neighbors := range raw {
		for _, n := range neighbors {
			link(place, n)
			link(n, place)
		}
	}
	for key := range out {
		sort.Strings(out[key])
	}
	return out
}
