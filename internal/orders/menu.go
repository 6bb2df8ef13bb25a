package orders

import (
	"fmt"
	"strings"
)

const (
	AddOnMatchaStencil = "matcha stencil on top"
	ToppingVanilla     = "vanilla cream"
)

// Menu is the fixed catalogue the ordering agent validates against.
type Menu struct {
	Drinks    []string
	Toppings  []string
	AddOns    []string
	Sizes     []string
	Sweetness []string
	Ice       []string

	DefaultSize      string
	DefaultSweetness string
	DefaultIce       string
	MaxQuantity      int

	drinkAliases   map[string][]string
	toppingAliases map[string][]string
	addOnAliases   map[string][]string
}

// DefaultMenu returns the shop menu.
func DefaultMenu() Menu {
	return Menu{
		Drinks:    []string{"taro milk tea", "black milk tea"},
		Toppings:  []string{"boba", "egg pudding", "crystal agar boba", ToppingVanilla},
		AddOns:    []string{AddOnMatchaStencil},
		Sizes:     []string{"S", "M", "L"},
		Sweetness: []string{"0%", "25%", "50%", "75%", "100%"},
		Ice:       []string{"no ice", "less ice", "regular ice", "extra ice"},

		DefaultSize:      "M",
		DefaultSweetness: "50%",
		DefaultIce:       "regular ice",
		MaxQuantity:      5,

		drinkAliases: map[string][]string{
			"taro milk tea":  {"taro", "taro tea", "taro boba"},
			"black milk tea": {"black tea", "classic milk tea", "black"},
		},
		toppingAliases: map[string][]string{
			"boba":              {"tapioca", "tapioca pearls", "pearls"},
			"egg pudding":       {"pudding"},
			"crystal agar boba": {"crystal agar", "agar"},
			ToppingVanilla:      {"cream", "vanilla foam", "vanilla cold foam", "foam"},
		},
		addOnAliases: map[string][]string{
			AddOnMatchaStencil: {"matcha stencil", "matcha", "matcha art", "matcha design", "stencil", "matcha stencil top"},
		},
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// match resolves value to a canonical entry: exact, then alias, then
// substring either way.
func match(value string, canonical []string, aliases map[string][]string) (string, bool) {
	v := normalize(value)
	if v == "" {
		return "", false
	}
	for _, c := range canonical {
		if v == c {
			return c, true
		}
	}
	for _, c := range canonical {
		for _, a := range aliases[c] {
			if v == a {
				return c, true
			}
		}
	}
	for _, c := range canonical {
		for _, a := range aliases[c] {
			if strings.Contains(v, a) || strings.Contains(a, v) {
				return c, true
			}
		}
		if strings.Contains(v, c) || strings.Contains(c, v) {
			return c, true
		}
	}
	return "", false
}

func (m Menu) ResolveDrink(name string) (string, error) {
	v := normalize(name)
	for _, d := range m.Drinks {
		if v == d {
			return d, nil
		}
	}
	for _, d := range m.Drinks {
		for _, a := range m.drinkAliases[d] {
			if v == a {
				return d, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q is not on the menu, we have %s", ErrValidation, name, strings.Join(m.Drinks, " and "))
}

func (m Menu) ResolveTopping(name string) (string, error) {
	if c, ok := match(name, m.Toppings, m.toppingAliases); ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: topping %q is not available", ErrValidation, name)
}

func (m Menu) ResolveAddOn(name string) (string, error) {
	if c, ok := match(name, m.AddOns, m.addOnAliases); ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: add-on %q is not available", ErrValidation, name)
}

func (m Menu) ResolveSize(size string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(size))
	switch v {
	case "SMALL":
		v = "S"
	case "MEDIUM", "REGULAR":
		v = "M"
	case "LARGE":
		v = "L"
	}
	for _, s := range m.Sizes {
		if v == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: size %q is not offered, choose small, medium or large", ErrValidation, size)
}

func (m Menu) ResolveSweetness(level string) (string, error) {
	v := strings.ReplaceAll(normalize(level), " ", "")
	if v != "" && !strings.HasSuffix(v, "%") {
		v += "%"
	}
	for _, s := range m.Sweetness {
		if v == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: sweetness %q must be one of %s", ErrValidation, level, strings.Join(m.Sweetness, ", "))
}

func (m Menu) ResolveIce(level string) (string, error) {
	v := normalize(level)
	if v != "" && !strings.HasSuffix(v, "ice") {
		v += " ice"
	}
	for _, s := range m.Ice {
		if v == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: ice %q must be one of %s", ErrValidation, level, strings.Join(m.Ice, ", "))
}

// ClassifyModifier resolves a free-form modifier to a topping, add-on,
// sweetness or ice setting. kind is one of topping, addon, sweetness, ice.
func (m Menu) ClassifyModifier(mod string) (kind, value string, err error) {
	v := normalize(mod)
	if strings.Contains(v, "%") || strings.Contains(v, "sweet") || strings.Contains(v, "sugar") {
		level := strings.TrimSpace(strings.NewReplacer("sweetness", "", "sweet", "", "sugar", "").Replace(v))
		s, err := m.ResolveSweetness(level)
		return "sweetness", s, err
	}
	if strings.Contains(v, "ice") {
		s, err := m.ResolveIce(v)
		return "ice", s, err
	}
	if c, ok := match(v, m.AddOns, m.addOnAliases); ok && !strings.Contains(v, "cream") {
		return "addon", c, nil
	}
	if c, ok := match(v, m.Toppings, m.toppingAliases); ok {
		return "topping", c, nil
	}
	return "", "", fmt.Errorf("%w: %q is not a topping, add-on, sweetness or ice option", ErrValidation, mod)
}

// Normalize applies defaults and canonical names and checks item rules.
func (m Menu) Normalize(item CartItem) (CartItem, error) {
	out := CartItem{}
	drink, err := m.ResolveDrink(item.Drink)
	if err != nil {
		return CartItem{}, err
	}
	out.Drink = drink

	out.Size = m.DefaultSize
	if strings.TrimSpace(item.Size) != "" {
		if out.Size, err = m.ResolveSize(item.Size); err != nil {
			return CartItem{}, err
		}
	}
	out.Sweetness = m.DefaultSweetness
	if strings.TrimSpace(item.Sweetness) != "" {
		if out.Sweetness, err = m.ResolveSweetness(item.Sweetness); err != nil {
			return CartItem{}, err
		}
	}
	out.Ice = m.DefaultIce
	if strings.TrimSpace(item.Ice) != "" {
		if out.Ice, err = m.ResolveIce(item.Ice); err != nil {
			return CartItem{}, err
		}
	}
	for _, t := range item.Toppings {
		if strings.TrimSpace(t) == "" {
			continue
		}
		c, err := m.ResolveTopping(t)
		if err != nil {
			return CartItem{}, err
		}
		out.Toppings = appendUnique(out.Toppings, c)
	}
	for _, a := range item.AddOns {
		if strings.TrimSpace(a) == "" {
			continue
		}
		c, err := m.ResolveAddOn(a)
		if err != nil {
			return CartItem{}, err
		}
		out.AddOns = appendUnique(out.AddOns, c)
	}
	if contains(out.AddOns, AddOnMatchaStencil) && !contains(out.Toppings, ToppingVanilla) {
		return CartItem{}, fmt.Errorf("%w: matcha stencil is only available with vanilla cream foam, add vanilla cream first", ErrValidation)
	}

	out.Quantity = item.Quantity
	if out.Quantity == 0 {
		out.Quantity = 1
	}
	if out.Quantity < 1 || out.Quantity > m.MaxQuantity {
		return CartItem{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrValidation, m.MaxQuantity)
	}
	return out, nil
}

// Summary is the spoken menu overview.
func (m Menu) Summary() string {
	return fmt.Sprintf("We have %s. Toppings: %s. Optional add-on: %s (requires vanilla cream foam). Sizes small, medium or large.",
		strings.Join(m.Drinks, " and "), strings.Join(m.Toppings, ", "), strings.Join(m.AddOns, ", "))
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
