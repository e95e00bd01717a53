package domain

// Ingredient is one line of a formula.
type Ingredient struct {
	Name    string `json:"name"`
	Dose    string `json:"dose"`
	Purpose string `json:"purpose"`
}

// Formula is the structured supplement recommendation attached to a finished turn.
type Formula struct {
	Bases       []Ingredient `json:"bases"`
	Additions   []Ingredient `json:"additions"`
	TotalMg     float64      `json:"totalMg"`
	Warnings    []string     `json:"warnings"`
	Rationale   string       `json:"rationale"`
	Disclaimers []string     `json:"disclaimers"`
}

// Ingredients returns bases followed by additions.
func (f *Formula) Ingredients() []Ingredient {
	out := make([]Ingredient, 0, len(f.Bases)+len(f.Additions))
	out = append(out, f.Bases...)
	return append(out, f.Additions...)
}
