package validate

// RiskLevel is the combined risk of a contact pair.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ClassifyRisk combines phone and email results into one lead-risk level.
// Disposable or invalid addresses are high risk; personal addresses or
// non-mobile numbers are medium.
func ClassifyRisk(phone PhoneResult, email EmailResult) RiskLevel {
	if !phone.IsValid || !email.IsValid || email.SecurityLevel == SecurityLow {
		return RiskHigh
	}
	if email.DomainClassification == DomainPersonal || phone.Classification != PhoneMobile {
		return RiskMedium
	}
	return RiskLow
}
