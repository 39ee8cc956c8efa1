package validation

import (
	"fmt"
	"unicode"

	zxcvbn "github.com/nbutton23/zxcvbn-go"
)

// PasswordRule validates a password according to a single policy rule.
type PasswordRule interface {
	Validate(password string, userInputs []string) error
}

// PasswordRuleFunc adapts a function to be used as a PasswordRule.
type PasswordRuleFunc func(password string, userInputs []string) error

// Validate executes the underlying rule function.
func (f PasswordRuleFunc) Validate(password string, userInputs []string) error {
	return f(password, userInputs)
}

// PasswordPolicy applies a sequence of rules and reports the first
// violation.
type PasswordPolicy struct {
	rules []PasswordRule
}

// NewPasswordPolicy returns the registration policy: at least 8
// characters with an upper-case letter, a lower-case letter, a digit and a
// symbol.  minScore > 0 additionally requires that zxcvbn score.
func NewPasswordPolicy(minScore int) *PasswordPolicy {
	return &PasswordPolicy{rules: []PasswordRule{
		MinLengthRule(8),
		classRule(unicode.IsUpper, "Password must contain uppercase"),
		classRule(unicode.IsLower, "Password must contain lowercase"),
		classRule(unicode.IsDigit, "Password must contain a digit"),
		classRule(isSymbol, "Password must contain a symbol"),
		StrengthRule(minScore),
	}}
}

// Validate checks password; userInputs (email, name) are fed to the
// strength estimator so passwords derived from them score lower.
func (p *PasswordPolicy) Validate(password string, userInputs ...string) error {
	for _, rule := range p.rules {
		if err := rule.Validate(password, userInputs); err != nil {
			return err
		}
	}
	return nil
}

// MinLengthRule ensures the password has at least min characters.
func MinLengthRule(min int) PasswordRule {
	return PasswordRuleFunc(func(password string, _ []string) error {
		if len([]rune(password)) < min {
			return &Error{Field: "password", Message: fmt.Sprintf("Password must be at least %d characters", min)}
		}
		return nil
	})
}

// StrengthRule enforces a minimum zxcvbn score; 0 disables it.
func StrengthRule(minScore int) PasswordRule {
	return PasswordRuleFunc(func(password string, userInputs []string) error {
		if minScore <= 0 {
			return nil
		}
		if minScore > 4 {
			minScore = 4
		}
		if zxcvbn.PasswordStrength(password, userInputs).Score >= minScore {
			return nil
		}
		return &Error{Field: "password", Message: "Password is too weak; choose a more complex value"}
	})
}

func classRule(match func(rune) bool, msg string) PasswordRule {
	return PasswordRuleFunc(func(password string, _ []string) error {
		for _, r := range password {
			if match(r) {
				return nil
			}
		}
		return &Error{Field: "password", Message: msg}
	})
}

// isSymbol matches anything outside [a-zA-Z0-9].
func isSymbol(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
}
