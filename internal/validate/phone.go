// Package validate provides pure contact-field validation for diagnosis
// submissions. Nothing here performs I/O; failures are returned as data.
package validate

import (
	"strings"

	"golang.org/x/text/width"
)

// PhoneClass classifies a phone number by numbering-plan prefix.
type PhoneClass string

// Phone classifications.
const (
	PhoneMobile        PhoneClass = "mobile"
	PhoneLandline      PhoneClass = "landline"
	PhoneTollFree      PhoneClass = "toll-free"
	PhoneInternational PhoneClass = "international"
	PhoneInvalid       PhoneClass = "invalid"
)

// Suggestion messages shown to the customer.
const (
	SuggestPhoneEmpty        = "전화번호를 입력해 주세요"
	SuggestPhoneTooShort     = "자릿수 부족: 전화번호 자릿수를 확인해 주세요"
	SuggestPhoneTooLong      = "자릿수 초과: 전화번호 자릿수를 확인해 주세요"
	SuggestPhoneUnknown      = "지원하지 않는 번호 형식입니다"
	SuggestPhoneBadChars     = "숫자, 하이픈(-), 괄호, 공백만 입력할 수 있습니다"
	SuggestPhoneLegacyMobile = "01X 구형 번호입니다. 010 번호가 있다면 010 번호를 입력해 주세요"
)

// PhoneResult is the outcome of ValidatePhone.
type PhoneResult struct {
	IsValid        bool       `json:"isValid"`
	Normalized     string     `json:"normalizedForm"`
	Classification PhoneClass `json:"classification"`
	Suggestions    []string   `json:"suggestions"`
}

// numberingPlan describes one domestic prefix and its allowed total digit counts.
type numberingPlan struct {
	prefix string
	class  PhoneClass
	min    int
	max    int
}

// Three-digit prefixes come before two-digit ones so "010" never matches "01".
var domesticPlans = []numberingPlan{
	{"010", PhoneMobile, 11, 11},
	{"011", PhoneMobile, 10, 11},
	{"016", PhoneMobile, 10, 11},
	{"017", PhoneMobile, 10, 11},
	{"018", PhoneMobile, 10, 11},
	{"019", PhoneMobile, 10, 11},
	{"080", PhoneTollFree, 10, 11},
	{"070", PhoneLandline, 11, 11},
	{"02", PhoneLandline, 9, 10},
	{"15", PhoneTollFree, 8, 8},
	{"16", PhoneTollFree, 8, 8},
	{"18", PhoneTollFree, 8, 8},
}

// regionalPrefixes are the three-digit area codes outside Seoul.
var regionalPrefixes = map[string]bool{
	"031": true, "032": true, "033": true,
	"041": true, "042": true, "043": true, "044": true,
	"051": true, "052": true, "053": true, "054": true, "055": true,
	"061": true, "062": true, "063": true, "064": true,
}

// ValidatePhone validates and classifies a phone number. Korean numbering-plan
// prefixes decide the classification; "+82" numbers are rewritten to the
// domestic form first.
func ValidatePhone(input string) PhoneResult {
	res := PhoneResult{Classification: PhoneInvalid}

	folded := strings.TrimSpace(width.Fold.String(input))
	if folded == "" {
		res.Suggestions = []string{SuggestPhoneEmpty}
		return res
	}

	international := strings.HasPrefix(folded, "+")
	digits, ok := extractDigits(strings.TrimPrefix(folded, "+"))
	if !ok {
		res.Suggestions = []string{SuggestPhoneBadChars}
		return res
	}

	if international {
		if strings.HasPrefix(digits, "82") {
			digits = "0" + strings.TrimPrefix(digits[2:], "0")
		} else {
			return validateInternational(digits)
		}
	}

	plan, found := lookupPlan(digits)
	if !found {
		res.Suggestions = []string{SuggestPhoneUnknown}
		return res
	}

	switch {
	case len(digits) < plan.min:
		res.Suggestions = []string{SuggestPhoneTooShort}
		return res
	case len(digits) > plan.max:
		res.Suggestions = []string{SuggestPhoneTooLong}
		return res
	}

	res.IsValid = true
	res.Classification = plan.class
	res.Normalized = formatDomestic(digits, plan.prefix)
	if plan.class == PhoneMobile && plan.prefix != "010" {
		res.Suggestions = append(res.Suggestions, SuggestPhoneLegacyMobile)
	}
	return res
}

func validateInternational(digits string) PhoneResult {
	res := PhoneResult{Classification: PhoneInvalid}
	switch {
	case len(digits) < 8:
		res.Suggestions = []string{SuggestPhoneTooShort}
	case len(digits) > 15:
		res.Suggestions = []string{SuggestPhoneTooLong}
	default:
		res.IsValid = true
		res.Classification = PhoneInternational
		res.Normalized = "+" + digits
	}
	return res
}

// extractDigits strips common separators and reports false if anything other
// than digits and separators remains.
func extractDigits(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == ' ', r == '.', r == '(', r == ')':
		default:
			return "", false
		}
	}
	return b.String(), b.Len() > 0
}

func lookupPlan(digits string) (numberingPlan, bool) {
	if len(digits) >= 3 && regionalPrefixes[digits[:3]] {
		return numberingPlan{prefix: digits[:3], class: PhoneLandline, min: 10, max: 11}, true
	}
	for _, p := range domesticPlans {
		if strings.HasPrefix(digits, p.prefix) {
			return p, true
		}
	}
	return numberingPlan{}, false
}

// formatDomestic hyphenates a validated domestic number: prefix, middle
// block, and a trailing four-digit block.
func formatDomestic(digits, prefix string) string {
	if len(prefix) == 2 && (prefix == "15" || prefix == "16" || prefix == "18") {
		return digits[:4] + "-" + digits[4:]
	}
	rest := digits[len(prefix):]
	if len(rest) <= 4 {
		return prefix + "-" + rest
	}
	split := len(rest) - 4
	return prefix + "-" + rest[:split] + "-" + rest[split:]
}
