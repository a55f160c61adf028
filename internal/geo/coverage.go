// Package geo resolves Colombian city names to service coverage. City
// matching ignores case and diacritics so "medellin" and "Medellín" resolve
// to the same municipality.
package geo

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

//go:embed colombia.json
var colombiaData []byte

// Departments currently inside the service area.
var coveredDepartments = map[string]struct{}{
	"Antioquia":          {},
	"Córdoba":            {},
	"Chocó":              {},
	"Norte de Santander": {},
	"Guainía":            {},
	"Boyacá":             {},
	"Arauca":             {},
}

const (
	coveredMessage  = "Perfecto, tu ciudad está dentro de nuestra cobertura."
	redirectMessage = "Lo siento, actualmente no tenemos cobertura en tu ciudad. Puedes comunicarte en el siguiente enlace: https://wa.me/573186925681"
	unknownMessage  = "No encontramos tu ciudad en nuestro directorio. Puedes comunicarte en el siguiente enlace: https://wa.me/573186925681"
)

type cityRecord struct {
	City       string `json:"city"`
	Department string `json:"department"`
}

// Index maps normalized city names to their department.
type Index struct {
	departments map[string]string
}

// Load builds the index from the embedded municipality dataset.
func Load() (*Index, error) {
	var records []cityRecord
	if err := json.Unmarshal(colombiaData, &records); err != nil {
		return nil, fmt.Errorf("geo: decode city dataset: %w", err)
	}
	idx := &Index{departments: make(map[string]string, len(records))}
	for _, r := range records {
		idx.departments[normalize(r.City)] = r.Department
	}
	return idx, nil
}

// Covered reports whether the city belongs to a covered department. The
// second result is false when the city is not in the dataset.
func (i *Index) Covered(city string) (bool, bool) {
	dept, ok := i.departments[normalize(city)]
	if !ok {
		return false, false
	}
	_, covered := coveredDepartments[dept]
	return covered, true
}

// Validate returns the customer-facing coverage reply for a city.
func (i *Index) Validate(city string) string {
	covered, known := i.Covered(city)
	switch {
	case !known:
		return unknownMessage
	case covered:
		return coveredMessage
	default:
		return redirectMessage
	}
}

// normalize lowercases and strips combining marks so accented and plain
// spellings compare equal.
func normalize(city string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.ToLower(strings.TrimSpace(city)))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(city))
	}
	return folded
}
