package orchestrator

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/shelfgate/internal/validate"
)

// Form fields that steer the gateway and are never counted or forwarded.
const (
	FieldIdempotencyKey = "idempotency_key"
	FieldExistingPhoto  = "existing_photo"
	FieldPhoto          = "photo"
)

// Kind describes one upstream resource type.
type Kind struct {
	Name     string
	Plural   string
	Fields   []string
	Required []string
	Ints     []string
	Bools    []string
	// Aliases maps a payload field to the form key browsers submit for it.
	Aliases    map[string]string
	Limits     map[string]int
	TotalLimit int

	CreatePath     string
	ItemPath       string // printf pattern with one %d
	PhotoPath      string // empty when the kind has no attachment
	CollectionPath string
	SearchPath     string
}

var (
	Book = Kind{
		Name:           "book",
		Plural:         "books",
		Fields:         []string{"title", "details", "author_id", "is_borrowed"},
		Required:       []string{"title", "author_id"},
		Ints:           []string{"author_id"},
		Bools:          []string{"is_borrowed"},
		Aliases:        map[string]string{"author_id": "author"},
		Limits:         map[string]int{"title": 50, "details": 250},
		TotalLimit:     1000,
		CreatePath:     "/books/new",
		ItemPath:       "/books/%d",
		PhotoPath:      "/books/photo/%d",
		CollectionPath: "/books",
		SearchPath:     "/search_books",
	}
	Author = Kind{
		Name:           "author",
		Plural:         "authors",
		Fields:         []string{"firstname", "lastname"},
		Required:       []string{"firstname", "lastname"},
		TotalLimit:     40,
		CreatePath:     "/authors/new",
		ItemPath:       "/authors/%d",
		PhotoPath:      "/author/photo/%d",
		CollectionPath: "/authors",
		SearchPath:     "/search_authors",
	}
	Subscriber = Kind{
		Name:           "subscriber",
		Plural:         "subscribers",
		Fields:         []string{"firstname", "lastname", "email"},
		Required:       []string{"firstname", "lastname", "email"},
		TotalLimit:     40,
		CreatePath:     "/subscribers/new",
		ItemPath:       "/subscribers/%d",
		CollectionPath: "/subscribers",
	}
)

// Kinds lists the built-in resource kinds.
func Kinds() []Kind { return []Kind{Book, Author, Subscriber} }

func (k Kind) Item(id int64) string  { return fmt.Sprintf(k.ItemPath, id) }
func (k Kind) Photo(id int64) string { return fmt.Sprintf(k.PhotoPath, id) }
func (k Kind) HasPhoto() bool        { return k.PhotoPath != "" }

// Countable drops the control fields so only user content counts toward limits.
func Countable(form map[string]string) map[string]string {
	out := make(map[string]string, len(form))
	for key, value := range form {
		switch key {
		case FieldIdempotencyKey, FieldExistingPhoto:
			continue
		}
		out[key] = value
	}
	return out
}

// Validate applies the kind's size limits to a submitted form.
func (k Kind) Validate(form map[string]string) error {
	return validate.Validate(Countable(form), k.TotalLimit, k.Limits)
}

func (k Kind) value(form map[string]string, field string) (string, bool) {
	if v, ok := form[field]; ok {
		return v, true
	}
	if alias, ok := k.Aliases[field]; ok {
		v, ok := form[alias]
		return v, ok
	}
	return "", false
}

// Check reports the error Payload would return for form.
func (k Kind) Check(form map[string]string) error {
	_, err := k.Payload(form)
	return err
}

// Payload converts a validated form into the upstream JSON body. Integer
// fields are parsed and booleans follow checkbox semantics.
func (k Kind) Payload(form map[string]string) (map[string]any, error) {
	resolved := make(map[string]string, len(k.Fields))
	for _, field := range k.Fields {
		if v, ok := k.value(form, field); ok {
			resolved[field] = strings.TrimSpace(v)
		}
	}
	if err := validate.Required(resolved, k.Required...); err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(k.Fields)+1)
	for _, field := range k.Fields {
		v := resolved[field]
		switch {
		case contains(k.Bools, field):
			payload[field] = validate.Checkbox(v)
		case contains(k.Ints, field):
			if v == "" {
				continue
			}
			n, err := validate.PositiveInt(field, v)
			if err != nil {
				return nil, err
			}
			payload[field] = n
		default:
			payload[field] = v
		}
	}
	if k.HasPhoto() {
		payload[FieldPhoto] = strings.TrimSpace(form[FieldExistingPhoto])
	}
	return payload, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
