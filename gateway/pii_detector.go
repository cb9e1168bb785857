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
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Entity categories emitted by the recognizer pass of the tokenization
// pipeline. Pass (a) handles credential shapes; this pass covers personal
// identifiers that need checksum or context validation to avoid false
// positives.
const (
	EntitySSN         = "US_SSN"
	EntityCreditCard  = "CREDIT_CARD"
	EntityPhone       = "PHONE_NUMBER"
	EntityIPAddress   = "IP_ADDRESS"
	EntityIBAN        = "IBAN"
	EntityBankAccount = "BANK_ACCOUNT"
)

// entityPattern couples a detection regex with a validator that confirms
// the match and scores confidence from its surrounding context.
type entityPattern struct {
	category  string
	pattern   *regexp.Regexp
	validator func(match, context string) (bool, float64)
	minLength int
	maxLength int
}

// EntityRecognizer is the second detection pass: a validated recognizer
// for personal identifiers, applied to text that has already been through
// the secret-pattern pass so inserted tokens are never re-matched.
type EntityRecognizer struct {
	patterns      []*entityPattern
	contextWindow int
	minConfidence float64
}

// RecognizerConfig configures the entity recognizer.
type RecognizerConfig struct {
	ContextWindow int
	MinConfidence float64
}

// DefaultRecognizerConfig returns sensible defaults.
func DefaultRecognizerConfig() RecognizerConfig {
	return RecognizerConfig{
		ContextWindow: 50,
		MinConfidence: 0.5,
	}
}

// NewEntityRecognizer creates a recognizer with all entity patterns loaded.
func NewEntityRecognizer(config RecognizerConfig) *EntityRecognizer {
	r := &EntityRecognizer{
		contextWindow: config.ContextWindow,
		minConfidence: config.MinConfidence,
	}
	r.patterns = []*entityPattern{
		{
			category:  EntitySSN,
			pattern:   regexp.MustCompile(`\b(\d{3})[- ]?(\d{2})[- ]?(\d{4})\b`),
			validator: validateSSN,
			minLength: 9,
			maxLength: 11,
		},
		{
			category: EntityCreditCard,
			// Visa, MasterCard, Amex, Discover, Diners, JCB
			pattern:   regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12}|3(?:0[0-5]|[68][0-9])[0-9]{11}|(?:2131|1800|35\d{3})\d{11})\b|\b(\d{4})[- ]?(\d{4})[- ]?(\d{4})[- ]?(\d{4})\b`),
			validator: validateCreditCard,
			minLength: 13,
			maxLength: 19,
		},
		{
			category:  EntityPhone,
			pattern:   regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(?[0-9]{3}\)?[-.\s]?)?[0-9]{3}[-.\s]?[0-9]{4}\b|\+[0-9]{1,3}[-.\s]?[0-9]{6,14}\b`),
			validator: validatePhone,
			minLength: 7,
			maxLength: 20,
		},
		{
			category:  EntityIPAddress,
			pattern:   regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
			validator: validateIPAddress,
			minLength: 7,
			maxLength: 15,
		},
		{
			category:  EntityIBAN,
			pattern:   regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}[A-Z0-9]{4}[0-9]{7}(?:[A-Z0-9]?){0,16}\b`),
			validator: validateIBAN,
			minLength: 15,
			maxLength: 34,
		},
		{
			category:  EntityBankAccount,
			pattern:   regexp.MustCompile(`\b[0-9]{9}[- ]?[0-9]{8,17}\b`),
			validator: validateBankAccount,
			minLength: 17,
			maxLength: 27,
		},
	}
	return r
}

// Recognize scans text and returns validated findings ordered by start
// offset. Matches failing validation or below the confidence floor are
// dropped.
func (r *EntityRecognizer) Recognize(text string) []Finding {
	var findings []Finding
	for _, p := range r.patterns {
		for _, loc := range p.pattern.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if len(match) < p.minLength || len(match) > p.maxLength {
				continue
			}
			valid, confidence := p.validator(match, r.extractContext(text, loc[0], loc[1]))
			if !valid || confidence < r.minConfidence {
				continue
			}
			findings = append(findings, Finding{
				Start:    loc[0],
				End:      loc[1],
				Value:    match,
				Category: p.category,
			})
		}
	}
	return findings
}

// extractContext returns the text surrounding a match for the validators'
// keyword analysis.
func (r *EntityRecognizer) extractContext(text string, start, end int) string {
	contextStart := start - r.contextWindow
	if contextStart < 0 {
		contextStart = 0
	}
	contextEnd := end + r.contextWindow
	if contextEnd > len(text) {
		contextEnd = len(text)
	}
	return text[contextStart:contextEnd]
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// validateSSN validates US Social Security Numbers. The area cannot be
// 000, 666, or 900-999; group and serial cannot be all zeros.
func validateSSN(match, context string) (bool, float64) {
	clean := digitsOnly(match)
	if len(clean) != 9 {
		return false, 0
	}

	area, _ := strconv.Atoi(clean[0:3])
	group, _ := strconv.Atoi(clean[3:5])
	serial, _ := strconv.Atoi(clean[5:9])

	if area == 0 || area == 666 || area >= 900 {
		return false, 0
	}
	if group == 0 || serial == 0 {
		return false, 0
	}

	contextLower := strings.ToLower(context)
	if containsAny(contextLower, []string{
		"order", "invoice", "ref", "reference", "tracking",
		"confirmation", "booking", "receipt", "po ", "purchase",
		"item", "product", "sku", "model", "serial number",
		"case ", "ticket", "id:", "account #",
	}) {
		return false, 0.3
	}
	if containsAny(contextLower, []string{
		"ssn", "social security", "social sec", "ss#", "ss #",
		"taxpayer", "tin", "tax id",
	}) {
		return true, 0.95
	}
	return true, 0.7
}

// validateCreditCard validates card numbers with the Luhn algorithm and a
// known network prefix.
func validateCreditCard(match, context string) (bool, float64) {
	clean := digitsOnly(match)
	if len(clean) < 13 || len(clean) > 19 {
		return false, 0
	}
	if !luhnCheck(clean) {
		return false, 0
	}
	if identifyCardNetwork(clean) == "" {
		return false, 0.5
	}

	contextLower := strings.ToLower(context)
	if containsAny(contextLower, []string{"phone", "fax", "tel:", "call", "mobile"}) {
		return false, 0.2
	}
	if containsAny(contextLower, []string{
		"card", "credit", "debit", "visa", "mastercard", "amex",
		"american express", "discover", "payment", "cc#", "cc #",
	}) {
		return true, 0.95
	}
	return true, 0.85
}

func luhnCheck(number string) bool {
	sum := 0
	alternate := false
	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		alternate = !alternate
	}
	return sum%10 == 0
}

func identifyCardNetwork(number string) string {
	if len(number) < 2 {
		return ""
	}
	prefix1 := int(number[0] - '0')
	prefix2, _ := strconv.Atoi(number[0:2])

	// JCB (3528-3589) before Diners (30-35) to avoid prefix overlap.
	if len(number) >= 4 {
		prefix4, _ := strconv.Atoi(number[0:4])
		if prefix4 >= 3528 && prefix4 <= 3589 {
			return "jcb"
		}
		if prefix4 == 6011 || (prefix2 >= 64 && prefix2 <= 65) {
			return "discover"
		}
	}

	switch {
	case prefix1 == 4:
		return "visa"
	case prefix2 >= 51 && prefix2 <= 55:
		return "mastercard"
	case prefix2 >= 22 && prefix2 <= 27:
		return "mastercard"
	case prefix2 == 34 || prefix2 == 37:
		return "amex"
	case prefix2 == 36 || prefix2 == 38 || (prefix2 >= 30 && prefix2 <= 35):
		return "diners"
	}
	return ""
}

func validatePhone(match, context string) (bool, float64) {
	digits := digitsOnly(match)
	if len(digits) < 7 || len(digits) > 15 {
		return false, 0
	}
	if isRepeatedDigits(digits) {
		return false, 0.1
	}

	contextLower := strings.ToLower(context)
	if containsAny(contextLower, []string{
		"zip", "postal", "code", "year", "date", "amount",
		"price", "total", "quantity", "qty",
	}) {
		return false, 0.2
	}
	if containsAny(contextLower, []string{
		"phone", "tel", "call", "mobile", "cell", "fax",
		"contact", "reach", "dial",
	}) {
		return true, 0.95
	}
	return true, 0.7
}

func validateIPAddress(match, context string) (bool, float64) {
	parts := strings.Split(match, ".")
	if len(parts) != 4 {
		return false, 0
	}
	for _, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil || num < 0 || num > 255 {
			return false, 0
		}
	}

	contextLower := strings.ToLower(context)
	if strings.Contains(contextLower, "version") || strings.Contains(contextLower, "v.") {
		return false, 0.1
	}

	// Special and RFC1918 addresses are valid but rarely personal.
	if match == "0.0.0.0" || match == "255.255.255.255" ||
		strings.HasPrefix(match, "127.") || strings.HasPrefix(match, "192.168.") ||
		strings.HasPrefix(match, "10.") || strings.HasPrefix(match, "172.") {
		return true, 0.5
	}
	return true, 0.8
}

func validateIBAN(match, context string) (bool, float64) {
	clean := strings.ReplaceAll(strings.ToUpper(match), " ", "")
	if len(clean) < 15 || len(clean) > 34 {
		return false, 0
	}
	if !unicode.IsLetter(rune(clean[0])) || !unicode.IsLetter(rune(clean[1])) {
		return false, 0
	}
	if !ibanChecksum(clean) {
		return false, 0
	}
	return true, 0.9
}

// ibanChecksum validates an IBAN with the MOD-97 algorithm.
func ibanChecksum(iban string) bool {
	rearranged := iban[4:] + iban[0:4]

	var numeric strings.Builder
	for _, ch := range rearranged {
		if unicode.IsLetter(ch) {
			numeric.WriteString(strconv.Itoa(int(unicode.ToUpper(ch) - 'A' + 10)))
		} else {
			numeric.WriteRune(ch)
		}
	}

	remainder := 0
	for _, digit := range numeric.String() {
		remainder = (remainder*10 + int(digit-'0')) % 97
	}
	return remainder == 1
}

func validateBankAccount(match, context string) (bool, float64) {
	clean := digitsOnly(match)
	if len(clean) < 17 || len(clean) > 26 {
		return false, 0
	}

	// First 9 digits should be an ABA routing number.
	if !abaRoutingChecksum(clean[0:9]) {
		return false, 0.3
	}

	contextLower := strings.ToLower(context)
	if containsAny(contextLower, []string{"routing", "account", "bank", "aba", "ach", "wire"}) {
		return true, 0.95
	}
	return true, 0.7
}

// abaRoutingChecksum validates a US ABA routing number:
// 3*(d1+d4+d7) + 7*(d2+d5+d8) + 1*(d3+d6+d9) mod 10 == 0.
func abaRoutingChecksum(routing string) bool {
	if len(routing) != 9 || routing == "000000000" {
		return false
	}
	weights := []int{3, 7, 1, 3, 7, 1, 3, 7, 1}
	sum := 0
	for i, ch := range routing {
		sum += int(ch-'0') * weights[i]
	}
	return sum%10 == 0
}

func isRepeatedDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	first := rune(s[0])
	for _, ch := range s {
		if ch != first {
			return false
		}
	}
	return true
}
