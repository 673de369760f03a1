package validate

import (
	"strings"

	"golang.org/x/text/width"
)

// DomainClass classifies the domain part of an email address.
type DomainClass string

// Domain classifications.
const (
	DomainBusiness   DomainClass = "business"
	DomainPersonal   DomainClass = "personal"
	DomainSuspicious DomainClass = "suspicious"
	DomainInvalid    DomainClass = "invalid"
)

// SecurityLevel is the trust level assigned to an address.
type SecurityLevel string

// Security levels.
const (
	SecurityLow    SecurityLevel = "low"
	SecurityMedium SecurityLevel = "medium"
	SecurityHigh   SecurityLevel = "high"
)

const maxLocalPartLen = 64

// EmailResult is the outcome of ValidateEmail.
type EmailResult struct {
	IsValid              bool          `json:"isValid"`
	DomainClassification DomainClass   `json:"domainClassification"`
	SecurityLevel        SecurityLevel `json:"securityLevel"`
	Suggestions          []string      `json:"suggestions"`
}

var disposableDomains = map[string]bool{
	"10minutemail.com":  true,
	"guerrillamail.com": true,
	"mailinator.com":    true,
	"tempmail.com":      true,
	"temp-mail.org":     true,
	"yopmail.com":       true,
	"throwawaymail.com": true,
	"trashmail.com":     true,
	"sharklasers.com":   true,
	"getnada.com":       true,
	"dispostable.com":   true,
	"maildrop.cc":       true,
}

var personalDomains = map[string]bool{
	"gmail.com":   true,
	"naver.com":   true,
	"daum.net":    true,
	"hanmail.net": true,
	"kakao.com":   true,
	"nate.com":    true,
	"hotmail.com": true,
	"outlook.com": true,
	"yahoo.com":   true,
	"icloud.com":  true,
}

// domainTypos maps common misspellings to the intended provider.
var domainTypos = map[string]string{
	"gmial.com":   "gmail.com",
	"gmai.com":    "gmail.com",
	"gmail.co":    "gmail.com",
	"gamil.com":   "gmail.com",
	"naver.co":    "naver.com",
	"navr.com":    "naver.com",
	"nvaer.com":   "naver.com",
	"daum.com":    "daum.net",
	"hanmail.com": "hanmail.net",
	"hotmial.com": "hotmail.com",
}

// ValidateEmail validates the syntax of an address and classifies its domain.
// The local part is checked before any domain rule is applied.
func ValidateEmail(input string) EmailResult {
	res := EmailResult{DomainClassification: DomainInvalid, SecurityLevel: SecurityLow}

	addr := strings.ToLower(strings.TrimSpace(width.Fold.String(input)))
	if addr == "" {
		res.Suggestions = []string{"이메일 주소를 입력해 주세요"}
		return res
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 || strings.Count(addr, "@") != 1 {
		res.Suggestions = []string{"이메일 형식이 올바르지 않습니다 (예: name@company.co.kr)"}
		return res
	}
	local, domain := addr[:at], addr[at+1:]

	if msg := checkLocalPart(local); msg != "" {
		res.Suggestions = []string{msg}
		return res
	}
	if msg := checkDomain(domain); msg != "" {
		res.Suggestions = []string{msg}
		return res
	}

	res.IsValid = true
	switch {
	case disposableDomains[domain]:
		res.DomainClassification = DomainSuspicious
		res.SecurityLevel = SecurityLow
		res.Suggestions = []string{"일회용 이메일은 사용할 수 없습니다. 회사 이메일을 입력해 주세요"}
	case personalDomains[domain]:
		res.DomainClassification = DomainPersonal
		res.SecurityLevel = SecurityMedium
		res.Suggestions = []string{"회사 이메일을 사용하시면 더 정확한 진단 결과를 받으실 수 있습니다"}
	default:
		res.DomainClassification = DomainBusiness
		res.SecurityLevel = SecurityHigh
		if fix, ok := domainTypos[domain]; ok {
			res.DomainClassification = DomainSuspicious
			res.SecurityLevel = SecurityLow
			res.Suggestions = []string{"혹시 " + local + "@" + fix + " 을(를) 의도하셨나요?"}
		}
	}
	return res
}

func isSeparator(r byte) bool {
	return r == '.' || r == '-' || r == '_' || r == '+'
}

func checkLocalPart(local string) string {
	if len(local) > maxLocalPartLen {
		return "@ 앞부분은 64자를 넘을 수 없습니다"
	}
	if isSeparator(local[0]) || isSeparator(local[len(local)-1]) {
		return "@ 앞부분은 기호로 시작하거나 끝날 수 없습니다"
	}
	for i := 0; i < len(local); i++ {
		c := local[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case isSeparator(c):
			if i > 0 && isSeparator(local[i-1]) {
				return "@ 앞부분에 기호를 연속으로 사용할 수 없습니다"
			}
		default:
			return "@ 앞부분에 사용할 수 없는 문자가 있습니다"
		}
	}
	return ""
}

func checkDomain(domain string) string {
	if len(domain) > 253 || !strings.Contains(domain, ".") {
		return "도메인 형식이 올바르지 않습니다"
	}
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return "도메인 형식이 올바르지 않습니다"
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '-' {
				return "도메인에 사용할 수 없는 문자가 있습니다"
			}
		}
	}
	if tld := labels[len(labels)-1]; len(tld) < 2 {
		return "최상위 도메인이 올바르지 않습니다"
	}
	return ""
}
