// Copyright 2025 Civic Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package policy holds the single versioned keyword rule table used for
// ticket categorization and needs-human detection. The table is evaluated in
// exactly one place so the widget and the backend can never disagree on the
// keyword sets.
package policy

import "strings"

// RuleTableVersion identifies the current rule table revision
const RuleTableVersion = 2

// Rule maps substring patterns to a ticket category
type Rule struct {
	Category   string
	Patterns   []string
	NeedsHuman bool
}

// RuleSet is an ordered rule table; the first matching rule wins
type RuleSet struct {
	rules []Rule
}

// Result is the outcome of evaluating a message against the rule table
type Result struct {
	Category   string
	NeedsHuman bool
	Matched    bool
}

// DefaultRules returns the built-in rule table for Croatian municipal
// queries. Order matters: more specific categories come first.
func DefaultRules() *RuleSet {
	return NewRuleSet([]Rule{
		{
			Category:   "komunalno",
			Patterns:   []string{"komunaln", "otpad", "smeće", "smece", "odvoz", "rasvjeta", "cesta", "prometnic"},
			NeedsHuman: false,
		},
		{
			Category:   "dokumenti",
			Patterns:   []string{"izvadak", "potvrda", "uvjerenje", "rodni list", "domovnic", "osobna iskaznica"},
			NeedsHuman: false,
		},
		{
			Category:   "porezi",
			Patterns:   []string{"porez", "prirez", "naknad", "pristojb"},
			NeedsHuman: false,
		},
		{
			Category:   "pritužba",
			Patterns:   []string{"pritužb", "prituzb", "žalb", "zalb", "reklamacij", "nezadovolj"},
			NeedsHuman: true,
		},
		{
			Category:   "službenik",
			Patterns:   []string{"razgovor sa službenikom", "razgovor sa sluzbenikom", "želim razgovarati", "zelim razgovarati", "ljudsk", "operater"},
			NeedsHuman: true,
		},
	})
}

// NewRuleSet builds a rule set from an ordered rule list
func NewRuleSet(rules []Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Evaluate matches a message against the table. Matching is case-insensitive
// substring matching; the first rule with any matching pattern wins.
func (rs *RuleSet) Evaluate(message string) Result {
	lower := strings.ToLower(message)

	for _, rule := range rs.rules {
		for _, pattern := range rule.Patterns {
			if strings.Contains(lower, pattern) {
				return Result{
					Category:   rule.Category,
					NeedsHuman: rule.NeedsHuman,
					Matched:    true,
				}
			}
		}
	}

	return Result{}
}
