package diagnosis

import (
	"strings"
	"unicode/utf8"

	"github.com/sells-group/diagnosis-cli/internal/validate"
)

const maxNameLen = 100

// validateRequest checks the contact fields. All problems are collected
// into one ValidationError.
func validateRequest(req Request) (validate.PhoneResult, validate.EmailResult, error) {
	fields := map[string][]string{}

	if msg := checkName(req.Company, "회사명"); msg != "" {
		fields["companyName"] = []string{msg}
	}
	if msg := checkName(req.Contact, "담당자명"); msg != "" {
		fields["contactName"] = []string{msg}
	}

	phone := validate.ValidatePhone(req.Phone)
	if !phone.IsValid {
		fields["phone"] = phone.Suggestions
	}
	email := validate.ValidateEmail(req.Email)
	if !email.IsValid {
		fields["email"] = email.Suggestions
	}

	if len(fields) > 0 {
		return phone, email, &ValidationError{Fields: fields}
	}
	return phone, email, nil
}

func checkName(v, label string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return label + "을(를) 입력해 주세요"
	case utf8.RuneCountInString(v) > maxNameLen:
		return label + "이(가) 너무 깁니다"
	}
	return ""
}
