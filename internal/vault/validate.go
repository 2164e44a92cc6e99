package vault

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/model"
)

// Field limits, in characters.
const (
	MaxServiceLen  = 100
	MaxPasswordLen = 1000
	MaxCategoryLen = 50
	MaxNotesLen    = 1000
	MaxIdentityLen = 100

	minPhoneDigits = 10
	maxPhoneDigits = 15
)

var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// EntryInput is a save request. Empty optional fields are stored as absent.
type EntryInput struct {
	Service  string
	Login    string
	Password string
	Category string // "" means the default category
	URL      *string
	Email    *string
	Phone    *string
	Notes    *string
}

func invalid(field, reason string) error {
	return &errs.ValidationError{Field: field, Reason: reason}
}

// ValidateIdentity checks that identity is usable as a vault file name.
func ValidateIdentity(identity string) error {
	switch {
	case strings.TrimSpace(identity) == "":
		return invalid("identity", "required")
	case utf8.RuneCountInString(identity) > MaxIdentityLen:
		return invalid("identity", "too long")
	case identity == "." || identity == "..":
		return invalid("identity", "reserved name")
	case strings.ContainsAny(identity, `/\:*?"<>|`) || strings.ContainsRune(identity, 0):
		return invalid("identity", "contains characters not allowed in file names")
	case strings.TrimSpace(identity) != identity:
		return invalid("identity", "leading or trailing whitespace")
	}
	return nil
}

// ValidateCategory checks a category name for storage.
func ValidateCategory(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return invalid("category", "required")
	case utf8.RuneCountInString(name) > MaxCategoryLen:
		return invalid("category", "too long")
	case name == model.AllCategories:
		return invalid("category", "reserved name")
	}
	return nil
}

// normalize validates in and returns the entry fields to store, without
// timestamps. No I/O happens here.
func (in EntryInput) normalize() (model.PasswordEntry, error) {
	e := model.PasswordEntry{
		Service:  strings.TrimSpace(in.Service),
		Login:    in.Login,
		Password: in.Password,
		Category: strings.TrimSpace(in.Category),
	}

	switch {
	case e.Service == "":
		return e, invalid("service", "required")
	case utf8.RuneCountInString(e.Service) > MaxServiceLen:
		return e, invalid("service", "too long")
	}
	switch {
	case strings.TrimSpace(e.Password) == "":
		return e, invalid("password", "required")
	case utf8.RuneCountInString(e.Password) > MaxPasswordLen:
		return e, invalid("password", "too long")
	}
	if e.Category == "" {
		e.Category = model.DefaultCategory
	}
	if err := ValidateCategory(e.Category); err != nil {
		return e, err
	}

	if u := present(in.URL); u != nil {
		p, err := url.Parse(*u)
		if err != nil || p.Scheme == "" || p.Host == "" {
			return e, invalid("url", "must include scheme and host")
		}
		e.URL = u
	}
	if m := present(in.Email); m != nil {
		if !emailRe.MatchString(*m) {
			return e, invalid("email", "malformed address")
		}
		e.Email = m
	}
	if p := present(in.Phone); p != nil {
		if !validPhone(*p) {
			return e, invalid("phone", "must contain 10 to 15 digits")
		}
		e.Phone = p
	}
	if n := present(in.Notes); n != nil {
		if utf8.RuneCountInString(*n) > MaxNotesLen {
			return e, invalid("notes", "too long")
		}
		e.Notes = n
	}
	return e, nil
}

// present returns a trimmed copy of an optional field, nil when blank.
func present(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}

// validPhone accepts digits with common separators and an optional
// leading plus.
func validPhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= minPhoneDigits && digits <= maxPhoneDigits
}
