// Copyright 2025 AegisGate
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

package gateway

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Finding is one detected sensitive substring in an outbound payload.
type Finding struct {
	Start    int
	End      int
	Value    string
	Category string
}

// SecretPattern pairs a category label with the regex that detects it.
// The table is configuration data: omissions here are a direct security
// gap, so deployments can extend it from a YAML file.
type SecretPattern struct {
	Category string `yaml:"category"`
	Pattern  string `yaml:"pattern"`

	re *regexp.Regexp
}

// DefaultSecretPatterns returns the built-in high-confidence secret shapes.
func DefaultSecretPatterns() []SecretPattern {
	return []SecretPattern{
		{Category: "EMAIL_ADDRESS", Pattern: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`},
		{Category: "OPENAI_API_KEY", Pattern: `sk-[A-Za-z0-9]{20,}`},
		{Category: "GITHUB_TOKEN", Pattern: `ghp_[A-Za-z0-9]{36}`},
		{Category: "AWS_ACCESS_KEY_ID", Pattern: `AKIA[0-9A-Z]{16}`},
		{Category: "GOOGLE_API_KEY", Pattern: `AIza[0-9A-Za-z\-_]{35}`},
		{Category: "SLACK_TOKEN", Pattern: `xox[baprs]-[A-Za-z0-9-]{10,48}`},
	}
}

// SecretDetector runs the fixed regex pass of the tokenization pipeline.
type SecretDetector struct {
	patterns []SecretPattern
}

// NewSecretDetector compiles the given patterns. Invalid patterns are a
// startup-time error.
func NewSecretDetector(patterns []SecretPattern) (*SecretDetector, error) {
	compiled := make([]SecretPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid secret pattern for category %s: %w", p.Category, err)
		}
		p.re = re
		compiled = append(compiled, p)
	}
	return &SecretDetector{patterns: compiled}, nil
}

// NewSecretDetectorFromFile loads extra patterns from a YAML file and
// appends them to the built-in table. The file holds a list of
// {category, pattern} entries.
func NewSecretDetectorFromFile(path string) (*SecretDetector, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret patterns file %s: %w", path, err)
	}
	var extra []SecretPattern
	if err := yaml.Unmarshal(raw, &extra); err != nil {
		return nil, fmt.Errorf("malformed secret patterns file %s: %w", path, err)
	}
	return NewSecretDetector(append(DefaultSecretPatterns(), extra...))
}

// Detect returns all pattern matches in text, ordered by start offset.
func (d *SecretDetector) Detect(text string) []Finding {
	var findings []Finding
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			findings = append(findings, Finding{
				Start:    loc[0],
				End:      loc[1],
				Value:    text[loc[0]:loc[1]],
				Category: p.Category,
			})
		}
	}
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })
	return findings
}
