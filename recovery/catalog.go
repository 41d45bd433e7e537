// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
)

//go:embed catalog.jsonc
var embeddedCatalog []byte

// Catalog classifies raw errors into typed entries by substring
// pattern matching. Entries are checked in declaration order; the
// first match wins, and the final patternless entry catches
// everything else.
type Catalog struct {
	types []ErrorType
	byID  map[string]ErrorType
}

// DefaultCatalog parses the embedded catalog. It panics on a malformed
// embed since that is a build defect, not a runtime condition.
func DefaultCatalog() *Catalog {
	cat, err := ParseCatalog(embeddedCatalog)
	if err != nil {
		panic(fmt.Sprintf("recovery: embedded catalog invalid: %v", err))
	}
	return cat
}

// ParseCatalog loads a catalog from JSONC data.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Types []ErrorType `json:"types"`
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("parsing error catalog: %w", err)
	}
	if len(doc.Types) == 0 {
		return nil, fmt.Errorf("error catalog declares no types")
	}
	byID := make(map[string]ErrorType, len(doc.Types))
	for _, t := range doc.Types {
		if t.ID == "" {
			return nil, fmt.Errorf("error catalog entry with empty id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("error catalog entry %q declared twice", t.ID)
		}
		byID[t.ID] = t
	}
	return &Catalog{types: doc.Types, byID: byID}, nil
}

// Classify matches err's text against the catalog and returns the
// first matching type. Matching is case-insensitive substring search.
// An error matching nothing falls through to the last patternless
// entry, or a built-in system fallback if the catalog has none.
func (c *Catalog) Classify(err error) ErrorType {
	text := strings.ToLower(err.Error())
	var fallback *ErrorType
	for i := range c.types {
		t := c.types[i]
		if len(t.Patterns) == 0 {
			if fallback == nil {
				fallback = &c.types[i]
			}
			continue
		}
		for _, pat := range t.Patterns {
			if strings.Contains(text, strings.ToLower(pat)) {
				return t
			}
		}
	}
	if fallback != nil {
		return *fallback
	}
	return ErrorType{
		ID:               "unclassified",
		Category:         CategorySystem,
		Severity:         SeverityMedium,
		RecoveryStrategy: StrategyUserIntervention,
		UserMessage:      "An unexpected error occurred.",
	}
}

// Lookup returns the catalog entry with the given id.
func (c *Catalog) Lookup(id string) (ErrorType, bool) {
	t, ok := c.byID[id]
	return t, ok
}
