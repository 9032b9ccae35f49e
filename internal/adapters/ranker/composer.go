package ranker

import (
	"sort"

	"feed-engine/internal/adapters/geo"
	"feed-engine/internal/domain"
)

// Tier — географическая корзина релевантности.
type Tier int

const (
	TierNone Tier = iota
	TierNeighbor
	TierNational
	TierRegion
	TierCity
)

// Score возвращает вес корзины при сортировке.
func (t Tier) Score() int {
	switch t {
	case TierCity:
		return 100
	case TierRegion:
		return 90
	case TierNational:
		return 50
	case TierNeighbor:
		return 10
	}
	return 0
}

// Strict сообщает, относится ли корзина к строгим (город, регион, вся страна).
func (t Tier) Strict() bool { return t >= TierNational }

// ScoredItem связывает кандидата с его корзиной.
type ScoredItem struct {
	Item domain.ContentItem
	Tier Tier
}

// Input описывает один проход композиции.
type Input struct {
	City       string
	Region     string
	Pattern    domain.SlotPattern
	Slots      []domain.SlotValue
	Candidates []domain.ContentItem
	Excluded   map[int64]struct{}
}

// Result содержит итог прохода композиции.
type Result struct {
	Slots         []domain.SlotValue
	Pool          []int64
	Placed        int
	ProximityUsed bool
}

// Composer раскладывает кандидатов по слотам видимой ленты.
type Composer struct {
	geo domain.GeoIndex
}

// NewComposer создаёт движок композиции. geo может быть nil, тогда соседей нет.
func NewComposer(index domain.GeoIndex) *Composer {
	return &Composer{geo: index}
}

// Compose заполняет все пустые слоты.
func (c *Composer) Compose(in Input) Result {
	slots := fitSlots(in.Slots, len(in.Pattern))
	var targets []int
	for i, v := range slots {
		if !v.Filled() {
			targets = append(targets, i)
		}
	}
	return c.compose(in, slots, targets)
}

// ComposeSlot заполняет только слот index. Заполненный слот не трогается.
func (c *Composer) ComposeSlot(in Input, index int) Result {
	slots := fitSlots(in.Slots, len(in.Pattern))
	var targets []int
	if index >= 0 && index < len(slots) && !slots[index].Filled() {
		targets = []int{index}
	}
	return c.compose(in, slots, targets)
}

// Classify определяет корзину материала для пользователя.
func (c *Composer) Classify(item domain.ContentItem, city, region string) Tier {
	userCity := geo.Canonical(city)
	userRegion := geo.Canonical(region)
	itemCity := geo.Canonical(item.City)
	itemRegion := geo.Canonical(item.Region)

	switch item.Scope {
	case domain.ScopeCity:
		if userCity != "" && itemCity == userCity {
			return TierCity
		}
	case domain.ScopeRegion:
		if userRegion != "" && itemRegion == userRegion {
			return TierRegion
		}
	case domain.ScopeNational, domain.ScopeUniversal:
		return TierNational
	}

	if c.geo == nil {
		return TierNone
	}
	if itemCity != "" && userCity != "" && containsCanonical(c.geo.NeighborsOfCity(city), itemCity) {
		return TierNeighbor
	}
	if itemRegion != "" && userRegion != "" && containsCanonical(c.geo.NeighborsOfRegion(region), itemRegion) {
		return TierNeighbor
	}
	return TierNone
}

// Rank присваивает корзины и сортирует кандидатов: корзина, затем приоритет, затем идентификатор.
func (c *Composer) Rank(items []domain.ContentItem, city, region string) []ScoredItem {
	out := make([]ScoredItem, 0, len(items))
	for _, it := range items {
		tier := c.Classify(it, city, region)
		if tier == TierNone {
			continue
		}
		out = append(out, ScoredItem{Item: it, Tier: tier})
	}
	sortScored(out)
	return out
}

func (c *Composer) compose(in Input, slots []domain.SlotValue, targets []int) Result {
	used := make(map[int64]struct{}, len(slots))
	for _, v := range slots {
		if v.Filled() {
			used[v.ItemID()] = struct{}{}
		}
	}

	var strict, neighbors []ScoredItem
	for _, it := range DeduplicateByID(in.Candidates) {
		if it.ID <= 0 {
			continue
		}
		if it.Status != "" && !it.Status.Eligible() {
			continue
		}
		if _, ok := in.Excluded[it.ID]; ok {
			continue
		}
		if _, ok := used[it.ID]; ok {
			continue
		}
		tier := c.Classify(it, in.City, in.Region)
		switch {
		case tier.Strict():
			strict = append(strict, ScoredItem{Item: it, Tier: tier})
		case tier == TierNeighbor:
			neighbors = append(neighbors, ScoredItem{Item: it, Tier: tier})
		}
	}

	res := Result{}
	selected := strict
	if len(strict) < len(targets) {
		res.ProximityUsed = true
		selected = append(selected, neighbors...)
	}
	sortScored(selected)

	taken := make([]bool, len(selected))
	for _, idx := range targets {
		if slots[idx].Filled() {
			continue
		}
		pick := -1
		for i, s := range selected {
			if !taken[i] && s.Item.Category == in.Pattern[idx] {
				pick = i
				break
			}
		}
		if pick < 0 {
			for i := range selected {
				if !taken[i] {
					pick = i
					break
				}
			}
		}
		if pick < 0 {
			slots[idx] = domain.SlotUnavailable
			continue
		}
		taken[pick] = true
		slots[idx] = domain.SlotValue(selected[pick].Item.ID)
		res.Placed++
	}

	res.Slots = slots
	res.Pool = make([]int64, 0, len(selected)-res.Placed)
	for i, s := range selected {
		if !taken[i] {
			res.Pool = append(res.Pool, s.Item.ID)
		}
	}
	return res
}

// DeduplicateByID удаляет повторяющиеся материалы, сохраняя первое вхождение.
func DeduplicateByID(items []domain.ContentItem) []domain.ContentItem {
	seen := make(map[int64]struct{}, len(items))
	out := make([]domain.ContentItem, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}

func sortScored(items []ScoredItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Tier.Score() != b.Tier.Score() {
			return a.Tier.Score() > b.Tier.Score()
		}
		if a.Item.Priority.Weight() != b.Item.Priority.Weight() {
			return a.Item.Priority.Weight() > b.Item.Priority.Weight()
		}
		return a.Item.ID < b.Item.ID
	})
}

func fitSlots(slots []domain.SlotValue, n int) []domain.SlotValue {
	out := make([]domain.SlotValue, n)
	copy(out, slots)
	return out
}

func containsCanonical(names []string, canonical string) bool {
	for _, n := range names {
		if geo.Canonical(n) == canonical {
			return true
		}
	}
	return false
}
