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

package policy

import (
	"testing"
)

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()

	if rules == nil {
		t.Fatal("DefaultRules returned nil")
	}

	if len(rules.rules) == 0 {
		t.Error("Expected rule table to be populated")
	}
}

func TestEvaluate_Categories(t *testing.T) {
	rules := DefaultRules()

	testCases := []struct {
		name               string
		message            string
		expectedMatched    bool
		expectedCategory   string
		expectedNeedsHuman bool
	}{
		{
			name:             "waste collection question",
			message:          "Kada je odvoz smeća u mojoj ulici?",
			expectedMatched:  true,
			expectedCategory: "komunalno",
		},
		{
			name:             "street lighting question",
			message:          "Ne radi javna rasvjeta kod škole",
			expectedMatched:  true,
			expectedCategory: "komunalno",
		},
		{
			name:             "birth certificate request",
			message:          "Treba mi rodni list za dijete",
			expectedMatched:  true,
			expectedCategory: "dokumenti",
		},
		{
			name:             "tax question",
			message:          "Koliki je porez na kuću za odmor?",
			expectedMatched:  true,
			expectedCategory: "porezi",
		},
		{
			name:               "complaint flags needs human",
			message:            "Želim podnijeti pritužbu na rad gradske uprave",
			expectedMatched:    true,
			expectedCategory:   "pritužba",
			expectedNeedsHuman: true,
		},
		{
			name:               "diacritic-free complaint spelling",
			message:            "imam prituzbu na odluku",
			expectedMatched:    true,
			expectedCategory:   "pritužba",
			expectedNeedsHuman: true,
		},
		{
			name:               "explicit request for an operator",
			message:            "Zelim razgovarati s nekim iz uprave",
			expectedMatched:    true,
			expectedCategory:   "službenik",
			expectedNeedsHuman: true,
		},
		{
			name:            "greeting matches nothing",
			message:         "Dobar dan!",
			expectedMatched: false,
		},
		{
			name:            "empty message matches nothing",
			message:         "",
			expectedMatched: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := rules.Evaluate(tc.message)

			if result.Matched != tc.expectedMatched {
				t.Errorf("Expected matched=%v, got %v", tc.expectedMatched, result.Matched)
			}
			if result.Category != tc.expectedCategory {
				t.Errorf("Expected category %q, got %q", tc.expectedCategory, result.Category)
			}
			if result.NeedsHuman != tc.expectedNeedsHuman {
				t.Errorf("Expected needsHuman=%v, got %v", tc.expectedNeedsHuman, result.NeedsHuman)
			}
		})
	}
}

func TestEvaluate_CaseInsensitive(t *testing.T) {
	rules := DefaultRules()

	result := rules.Evaluate("POREZ NA NEKRETNINE")
	if !result.Matched {
		t.Fatal("Expected uppercase message to match")
	}
	if result.Category != "porezi" {
		t.Errorf("Expected category 'porezi', got %q", result.Category)
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	rules := NewRuleSet([]Rule{
		{Category: "first", Patterns: []string{"shared"}},
		{Category: "second", Patterns: []string{"shared"}},
	})

	result := rules.Evaluate("this contains shared keyword")
	if result.Category != "first" {
		t.Errorf("Expected first matching rule to win, got %q", result.Category)
	}
}

func TestEvaluate_ComplaintBeatsOperatorRequest(t *testing.T) {
	rules := DefaultRules()

	// A message matching both categories takes the one listed first.
	result := rules.Evaluate("Imam pritužbu i želim razgovarati sa službenikom")
	if result.Category != "pritužba" {
		t.Errorf("Expected category 'pritužba', got %q", result.Category)
	}
	if !result.NeedsHuman {
		t.Error("Expected needsHuman to be true")
	}
}
