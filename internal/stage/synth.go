package stage

import (
	"strings"
	"unicode/utf8"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/model"
)

const (
	maxPromptLength     = 900
	maxPromptIngredient = 8
)

type keywordRule struct {
	label    string
	keywords []string
}

// Order matters: earlier rules win ties.
var cuisineRules = []keywordRule{
	{"italian", []string{"pasta", "spaghetti", "parmesan", "mozzarella", "basil", "risotto", "lasagna", "pesto", "gnocchi", "prosciutto", "ricotta"}},
	{"mexican", []string{"tortilla", "salsa", "jalapeno", "jalapeño", "cilantro", "taco", "enchilada", "chipotle", "queso", "burrito", "guacamole"}},
	{"indian", []string{"curry", "garam masala", "turmeric", "cumin", "naan", "paneer", "ghee", "cardamom", "tikka", "dal", "masala"}},
	{"japanese", []string{"miso", "sushi", "nori", "mirin", "dashi", "wasabi", "ramen", "teriyaki", "sake", "udon"}},
	{"chinese", []string{"wok", "hoisin", "bok choy", "five spice", "szechuan", "sichuan", "dumpling", "oyster sauce", "stir-fry", "stir fry"}},
	{"thai", []string{"lemongrass", "fish sauce", "coconut milk", "galangal", "thai basil", "pad thai", "kaffir", "sriracha"}},
	{"french", []string{"gruyere", "gruyère", "baguette", "dijon", "creme fraiche", "crème fraîche", "tarragon", "ratatouille", "bechamel", "crepe", "crêpe"}},
	{"mediterranean", []string{"feta", "olives", "hummus", "tahini", "chickpea", "za'atar", "pita", "tzatziki", "halloumi"}},
	{"american", []string{"bbq", "barbecue", "burger", "cheddar", "pancake", "buttermilk", "cornbread", "maple syrup", "mac and cheese"}},
}

// Order matters: "pancakes" must not fall through to "cake".
var vesselRules = []keywordRule{
	{"stacked on a ceramic plate", []string{"pancake", "waffle", "crepe"}},
	{"served in a deep rustic bowl", []string{"soup", "stew", "chili", "broth", "ramen", "chowder", "curry", "pho", "bisque"}},
	{"served in a wide salad bowl", []string{"salad", "slaw"}},
	{"served in a shallow pasta bowl", []string{"pasta", "spaghetti", "noodle", "risotto", "linguine", "penne"}},
	{"served in a baking dish", []string{"casserole", "lasagna", "gratin", "bake", "cobbler", "enchiladas"}},
	{"presented on a cake stand", []string{"cake", "pie", "tart", "cheesecake", "torte"}},
	{"arranged on a wooden board", []string{"cookie", "brownie", "muffin", "scone", "biscuit", "bread", "loaf"}},
	{"served in a tall glass", []string{"smoothie", "cocktail", "lemonade", "latte", "shake", "punch", "iced tea"}},
}

const defaultVessel = "served on a ceramic plate"

var traceSeasonings = map[string]bool{
	"salt": true, "pepper": true, "black pepper": true, "white pepper": true,
	"salt and pepper": true, "water": true, "ice": true, "oil": true,
	"cooking spray": true, "nonstick spray": true,
}

// IsTraceSeasoning reports whether ing is too minor to describe the dish.
func IsTraceSeasoning(ing model.Ingredient) bool {
	name := strings.ToLower(strings.TrimSpace(ing.Name))
	if traceSeasonings[name] {
		return true
	}
	if strings.HasSuffix(name, " salt") || strings.HasSuffix(name, " oil") ||
		strings.Contains(name, "black pepper") || strings.Contains(name, "water") && !strings.Contains(name, "watermelon") {
		return true
	}
	all := strings.ToLower(ing.Quantity + " " + ing.Unit + " " + ing.Name)
	for _, marker := range []string{"to taste", "pinch", "dash", "for serving", "as needed"} {
		if strings.Contains(all, marker) {
			return true
		}
	}
	return false
}

// KeyIngredients drops trace seasonings and caps the list.
func KeyIngredients(c *model.StructuredContent) []string {
	var out []string
	for _, ing := range c.Ingredients {
		if IsTraceSeasoning(ing) {
			continue
		}
		out = append(out, strings.ToLower(strings.TrimSpace(ing.Name)))
		if len(out) == maxPromptIngredient {
			break
		}
	}
	return out
}

// InferCuisine scores each cuisine by keyword hits, title hits counting double.
// It returns "" when nothing matches.
func InferCuisine(c *model.StructuredContent) string {
	title := strings.ToLower(c.Title)
	ingredients := make([]string, len(c.Ingredients))
	for i, ing := range c.Ingredients {
		ingredients[i] = strings.ToLower(ing.Name)
	}

	best, bestScore := "", 0
	for _, rule := range cuisineRules {
		score := 0
		for _, kw := range rule.keywords {
			if strings.Contains(title, kw) {
				score += 2
			}
			for _, name := range ingredients {
				if strings.Contains(name, kw) {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = rule.label, score
		}
	}
	return best
}

// InferVessel picks how the dish is plated from its title.
func InferVessel(c *model.StructuredContent) string {
	title := strings.ToLower(c.Title)
	for _, rule := range vesselRules {
		for _, kw := range rule.keywords {
			if strings.Contains(title, kw) {
				return rule.label
			}
		}
	}
	return defaultVessel
}

// BuildImagePrompt describes the dish for the image model.
func BuildImagePrompt(c *model.StructuredContent) string {
	var b strings.Builder
	b.WriteString("A professional food photography shot of ")
	b.WriteString(strings.ToLower(strings.TrimSpace(c.Title)))

	if cuisine := InferCuisine(c); cuisine != "" {
		b.WriteString(", " + cuisine + " style")
	}
	if ings := KeyIngredients(c); len(ings) > 0 {
		b.WriteString(", made with " + strings.Join(ings, ", "))
	}
	b.WriteString(", " + InferVessel(c))
	b.WriteString(", shot with natural lighting, shallow depth of field, garnished beautifully, restaurant quality presentation, high resolution, appetizing colors, no text or labels")

	return truncateRunes(b.String(), maxPromptLength)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
