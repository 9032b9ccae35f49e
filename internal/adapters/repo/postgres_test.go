package repo

import (
	"slices"
	"testing"

	"feed-engine/internal/domain"
)

func TestCandidateFilterUsesCanonicalNames(t *testing.T) {
	f := newCandidateFilter(domain.CandidateQuery{
		City:            "Köln",
		Region:          " Nordrhein-Westfalen ",
		NeighborCities:  []string{"Halle (Saale)", "KÖLN", ""},
		NeighborRegions: []string{"Thüringen"},
	})
	if f.City != "koln" {
		t.Fatalf("ожидали город koln, получили %q", f.City)
	}
	if f.Region != "nordrhein westfalen" {
		t.Fatalf("ожидали регион nordrhein westfalen, получили %q", f.Region)
	}
	if !slices.Equal(f.Cities, []string{"koln", "halle"}) {
		t.Fatalf("ожидали города [koln halle], получили %v", f.Cities)
	}
	if !slices.Equal(f.Regions, []string{"nordrhein westfalen", "thuringen"}) {
		t.Fatalf("ожидали регионы [nordrhein westfalen thuringen], получили %v", f.Regions)
	}
	if !slices.Equal(f.NeighborRegions, []string{"thuringen"}) {
		t.Fatalf("ожидали соседей [thuringen], получили %v", f.NeighborRegions)
	}
}

func TestGeoKeysMatchFilter(t *testing.T) {
	cityKey, regionKey := geoKeys("Straße (Ort)", "")
	if cityKey != "strasse" || regionKey != "" {
		t.Fatalf("ожидали strasse и пустой регион, получили %q %q", cityKey, regionKey)
	}
	// ключ строки совпадает с параметром запроса пользователя из того же места
	f := newCandidateFilter(domain.CandidateQuery{City: "STRASSE"})
	if f.City != cityKey {
		t.Fatalf("ключ строки %q не совпал с ключом запроса %q", cityKey, f.City)
	}
}
