package domain

import (
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Mutable work fields and the rules each value must satisfy.
const (
	FieldPrompt     = "prompt"
	FieldImageURL   = "imageUrl"
	FieldCategoryID = "categoryId"
)

var fieldRules = map[string]string{
	FieldPrompt:     "required,max=4000",
	FieldImageURL:   "required,url,max=2048",
	FieldCategoryID: "required,alphanum,max=64",
}

type WorkPatch struct {
	Prompt     *string `json:"prompt,omitempty"`
	ImageURL   *string `json:"imageUrl,omitempty"`
	CategoryID *string `json:"categoryId,omitempty"`
}

func (p WorkPatch) Empty() bool {
	return p.Prompt == nil && p.ImageURL == nil && p.CategoryID == nil
}

// Fields returns the patch as a field map, the inverse of SanitizePatch.
func (p WorkPatch) Fields() map[string]any {
	out := make(map[string]any, 3)
	if p.Prompt != nil {
		out[FieldPrompt] = *p.Prompt
	}
	if p.ImageURL != nil {
		out[FieldImageURL] = *p.ImageURL
	}
	if p.CategoryID != nil {
		out[FieldCategoryID] = *p.CategoryID
	}
	return out
}

// SanitizePatch keeps the known fields whose values validate and returns the
// names of everything it dropped, sorted.
func SanitizePatch(fields map[string]any) (WorkPatch, []string) {
	var (
		p       WorkPatch
		dropped []string
	)
	for name, raw := range fields {
		rule, known := fieldRules[name]
		s, isString := raw.(string)
		if !known || !isString {
			dropped = append(dropped, name)
			continue
		}
		s = strings.TrimSpace(s)
		if err := validate.Var(s, rule); err != nil {
			dropped = append(dropped, name)
			continue
		}
		v := s
		switch name {
		case FieldPrompt:
			p.Prompt = &v
		case FieldImageURL:
			p.ImageURL = &v
		case FieldCategoryID:
			p.CategoryID = &v
		}
	}
	sort.Strings(dropped)
	return p, dropped
}

type NewWork struct {
	Prompt     string `json:"prompt" validate:"required,max=4000"`
	ImageURL   string `json:"imageUrl" validate:"required,url,max=2048"`
	CategoryID string `json:"categoryId" validate:"required,alphanum,max=64"`
}

func (n NewWork) Validate() error {
	return validate.Struct(n)
}
