package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// PasswordSymbols is the set of characters that count as a symbol for
// StrongPassword.
const PasswordSymbols = `!@#$%^&*(),.?":{}|<>`

// DefaultDateLayout is the layout Date uses when none is given.
const DefaultDateLayout = "2006-01-02"

// DefaultMaxImageSize is the upload ceiling used by avatar uploads.
const DefaultMaxImageSize = 5 << 20

// AllowedImageTypes are the MIME types Image accepts, sniffed from content.
var AllowedImageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

var (
	tags = validator.New()

	usernamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{2,29}$`)
	numericPattern  = regexp.MustCompile(`^\s*[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?\s*$`)
)

// IsEmail reports whether value is a syntactically valid email address.
func IsEmail(value string) bool {
	return tags.Var(value, "required,email") == nil
}

// IsURL reports whether value is an absolute URL with a scheme.
func IsURL(value string) bool {
	return tags.Var(value, "required,url") == nil
}

// IsUsername reports whether value starts with a letter and has 3 to 30
// letters, digits or underscores.
func IsUsername(value string) bool {
	return usernamePattern.MatchString(value)
}

// IsNumeric accepts integers, decimals and exponent notation.
func IsNumeric(value string) bool {
	return numericPattern.MatchString(value)
}

// IsDate reports whether value parses with layout and formats back to
// exactly the same string.
func IsDate(value, layout string) bool {
	if layout == "" {
		layout = DefaultDateLayout
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		return false
	}
	return t.Format(layout) == value
}

// Length counts characters, not bytes.
func Length(value string) int {
	return utf8.RuneCountInString(value)
}

// MissingPasswordRequirements lists, in a fixed order, every strength rule
// value fails. An empty result means the password is strong.
func MissingPasswordRequirements(value string) []string {
	var missing []string
	if Length(value) < 8 {
		missing = append(missing, "8 أحرف على الأقل")
	}
	if !strings.ContainsFunc(value, func(r rune) bool { return r >= 'A' && r <= 'Z' }) {
		missing = append(missing, "حرف كبير واحد على الأقل")
	}
	if !strings.ContainsFunc(value, func(r rune) bool { return r >= 'a' && r <= 'z' }) {
		missing = append(missing, "حرف صغير واحد على الأقل")
	}
	if !strings.ContainsFunc(value, func(r rune) bool { return r >= '0' && r <= '9' }) {
		missing = append(missing, "رقم واحد على الأقل")
	}
	if !strings.ContainsAny(value, PasswordSymbols) {
		missing = append(missing, "رمز خاص واحد على الأقل")
	}
	return missing
}

// IsAllowedImage reports whether mime is one of AllowedImageTypes.
func IsAllowedImage(mime string) bool {
	for _, allowed := range AllowedImageTypes {
		if mime == allowed {
			return true
		}
	}
	return false
}

func formatMegabytes(size int64) string {
	mb := float64(size) / 1024 / 1024
	s := strings.TrimRight(fmt.Sprintf("%.2f", mb), "0")
	return strings.TrimSuffix(s, ".")
}
