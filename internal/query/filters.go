// Package query implements the read path over harvested opportunities:
// filter descriptors compiled into predicate clauses, whole-corpus facet
// counts, and a Service that optionally fronts the store with a cache.
package query

import (
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
)

// Filters describes one search request. Zero-valued fields do not filter.
type Filters struct {
	Search     string   `json:"search,omitempty" validate:"max=200"`
	NAICSCodes []string `json:"naics_codes,omitempty" validate:"max=50,dive,max=16"`
	OppType    string   `json:"opp_type,omitempty" validate:"max=32"`
	SetAside   string   `json:"set_aside,omitempty" validate:"max=32"`
	State      string   `json:"state,omitempty" validate:"max=32"`
	Department string   `json:"department,omitempty" validate:"max=256"`
	PostedFrom string   `json:"posted_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PostedTo   string   `json:"posted_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ActiveOnly bool     `json:"active_only,omitempty"`
	Limit      int      `json:"limit" validate:"min=0"`
	Offset     int      `json:"offset" validate:"min=0"`
}

var validate = validator.New()

// Validate rejects malformed filters with an ErrInvalidInput AppError.
func (f Filters) Validate() error {
	if err := validate.Struct(f); err != nil {
		return apperrors.Invalid("%v", err)
	}
	return nil
}

// Field is a logical record attribute a clause can target. Backends map
// fields to their own column names.
type Field string

const (
	FieldTitle              Field = "title"
	FieldSolicitationNumber Field = "solicitation_number"
	FieldDepartment         Field = "department"
	FieldNAICSCode          Field = "naics_code"
	FieldType               Field = "type"
	FieldSetAside           Field = "set_aside"
	FieldState              Field = "state"
	FieldPostedDate         Field = "posted_date"
	FieldActive             Field = "active"
)

// TextFields are matched by free-text search.
var TextFields = []Field{FieldTitle, FieldSolicitationNumber, FieldDepartment}

// ClauseKind tags a predicate.
type ClauseKind int

const (
	// ClauseText is a case-insensitive substring match of Values[0] against
	// any of Fields.
	ClauseText ClauseKind = iota
	// ClauseIn matches when Fields[0] is one of Values.
	ClauseIn
	// ClauseEq matches when Fields[0] equals Values[0].
	ClauseEq
	// ClauseMin matches when Fields[0] >= Values[0].
	ClauseMin
	// ClauseMax matches when Fields[0] <= Values[0].
	ClauseMax
	// ClauseActive matches records the source flagged active.
	ClauseActive
)

func (k ClauseKind) String() string {
	switch k {
	case ClauseText:
		return "text"
	case ClauseIn:
		return "in"
	case ClauseEq:
		return "eq"
	case ClauseMin:
		return "min"
	case ClauseMax:
		return "max"
	case ClauseActive:
		return "active"
	default:
		return "unknown"
	}
}

// Clause is one predicate. A filter compiles to a list of clauses that are
// combined with AND.
type Clause struct {
	Kind   ClauseKind
	Fields []Field
	Values []string
}

// Compile builds the clause list for the non-empty fields of f.
func Compile(f Filters) []Clause {
	var clauses []Clause
	if s := strings.TrimSpace(f.Search); s != "" {
		clauses = append(clauses, Clause{Kind: ClauseText, Fields: TextFields, Values: []string{s}})
	}
	if codes := distinct(f.NAICSCodes); len(codes) > 0 {
		clauses = append(clauses, Clause{Kind: ClauseIn, Fields: []Field{FieldNAICSCode}, Values: codes})
	}
	for _, eq := range []struct {
		field Field
		value string
	}{
		{FieldType, f.OppType},
		{FieldSetAside, f.SetAside},
		{FieldState, f.State},
		{FieldDepartment, f.Department},
	} {
		if v := strings.TrimSpace(eq.value); v != "" {
			clauses = append(clauses, Clause{Kind: ClauseEq, Fields: []Field{eq.field}, Values: []string{v}})
		}
	}
	if v := strings.TrimSpace(f.PostedFrom); v != "" {
		clauses = append(clauses, Clause{Kind: ClauseMin, Fields: []Field{FieldPostedDate}, Values: []string{v}})
	}
	if v := strings.TrimSpace(f.PostedTo); v != "" {
		clauses = append(clauses, Clause{Kind: ClauseMax, Fields: []Field{FieldPostedDate}, Values: []string{v}})
	}
	if f.ActiveOnly {
		clauses = append(clauses, Clause{Kind: ClauseActive, Fields: []Field{FieldActive}})
	}
	return clauses
}

// distinct trims, drops blanks and dedupes codes, preserving sorted order so
// equivalent filters compile identically.
func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}

// Facets holds whole-corpus value counts for each filterable coded field.
type Facets struct {
	Total       int          `json:"total_opportunities"`
	NAICSCodes  []FacetValue `json:"naics_codes"`
	Types       []FacetValue `json:"opp_types"`
	SetAsides   []FacetValue `json:"set_asides"`
	States      []FacetValue `json:"states"`
	Departments []FacetValue `json:"departments"`
}

// FacetValue is one distinct value and how many records carry it.
type FacetValue struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// FacetFields lists the coded fields facets are computed for, in Facets
// field order.
var FacetFields = []Field{FieldNAICSCode, FieldType, FieldSetAside, FieldState, FieldDepartment}

// Set stores values under the slot for field.
func (f *Facets) Set(field Field, values []FacetValue) {
	switch field {
	case FieldNAICSCode:
		f.NAICSCodes = values
	case FieldType:
		f.Types = values
	case FieldSetAside:
		f.SetAsides = values
	case FieldState:
		f.States = values
	case FieldDepartment:
		f.Departments = values
	}
}
