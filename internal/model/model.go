// Package model defines the vault's domain entities.
package model

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/and161185/vaultkeeper/internal/errs"
)

// Category names with special meaning.
const (
	DefaultCategory = "Uncategorized"
	AllCategories   = "All categories" // filter sentinel, never stored
)

// PasswordEntry is a single stored credential. Service is the unique key
// within a vault. Optional fields are nil when absent.
type PasswordEntry struct {
	Service    string  `json:"service"`
	Login      string  `json:"login"`
	Password   string  `json:"password"`
	Category   string  `json:"category"`
	URL        *string `json:"url,omitempty"`
	Email      *string `json:"email,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	Notes      *string `json:"notes,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	ModifiedAt int64   `json:"modified_at"`
}

// Clone returns a deep copy; the optional fields do not alias the receiver.
func (e PasswordEntry) Clone() PasswordEntry {
	e.URL = cloneStr(e.URL)
	e.Email = cloneStr(e.Email)
	e.Phone = cloneStr(e.Phone)
	e.Notes = cloneStr(e.Notes)
	return e
}

// Equal compares entries by value, including optional fields.
func (e PasswordEntry) Equal(o PasswordEntry) bool {
	return e.Service == o.Service &&
		e.Login == o.Login &&
		e.Password == o.Password &&
		e.Category == o.Category &&
		eqStr(e.URL, o.URL) &&
		eqStr(e.Email, o.Email) &&
		eqStr(e.Phone, o.Phone) &&
		eqStr(e.Notes, o.Notes) &&
		e.CreatedAt == o.CreatedAt &&
		e.ModifiedAt == o.ModifiedAt
}

// Str is a helper for building optional fields.
func Str(s string) *string { return &s }

// Deref returns the optional value or "".
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Vault is the decrypted payload of a vault file.
type Vault struct {
	Passwords  []PasswordEntry `json:"passwords"`
	Categories []string        `json:"categories"`
}

// NewVault returns an empty vault holding only the default category.
func NewVault() Vault {
	return Vault{Passwords: []PasswordEntry{}, Categories: []string{DefaultCategory}}
}

// Index returns the position of the entry for service, or -1.
func (v *Vault) Index(service string) int {
	return slices.IndexFunc(v.Passwords, func(e PasswordEntry) bool { return e.Service == service })
}

// HasCategory reports whether name is registered.
func (v *Vault) HasCategory(name string) bool {
	return slices.Contains(v.Categories, name)
}

// AddCategory registers name and reports whether it was new.
func (v *Vault) AddCategory(name string) bool {
	if v.HasCategory(name) {
		return false
	}
	v.Categories = append(v.Categories, name)
	return true
}

// Clone returns a deep copy of the vault.
func (v Vault) Clone() Vault {
	out := Vault{
		Passwords:  make([]PasswordEntry, len(v.Passwords)),
		Categories: slices.Clone(v.Categories),
	}
	for i, e := range v.Passwords {
		out.Passwords[i] = e.Clone()
	}
	if out.Categories == nil {
		out.Categories = []string{}
	}
	return out
}

// Equal compares entries in order and categories as a set.
func (v Vault) Equal(o Vault) bool {
	if len(v.Passwords) != len(o.Passwords) || len(v.Categories) != len(o.Categories) {
		return false
	}
	for i := range v.Passwords {
		if !v.Passwords[i].Equal(o.Passwords[i]) {
			return false
		}
	}
	for _, c := range v.Categories {
		if !o.HasCategory(c) {
			return false
		}
	}
	return true
}

// Validate checks the minimal schema a decrypted payload must satisfy.
func (v *Vault) Validate() error {
	seen := make(map[string]struct{}, len(v.Passwords))
	for i, e := range v.Passwords {
		if e.Service == "" {
			return fmt.Errorf("%w: entry %d has no service", errs.ErrFormat, i)
		}
		if _, dup := seen[e.Service]; dup {
			return fmt.Errorf("%w: duplicate service %q", errs.ErrFormat, e.Service)
		}
		seen[e.Service] = struct{}{}
	}
	return nil
}

// UnmarshalJSON requires both top-level keys, validates the entries and
// normalizes the category set.
func (v *Vault) UnmarshalJSON(data []byte) error {
	var raw struct {
		Passwords  *[]PasswordEntry `json:"passwords"`
		Categories *[]string        `json:"categories"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: vault: %v", errs.ErrFormat, err)
	}
	if raw.Passwords == nil || raw.Categories == nil {
		return fmt.Errorf("%w: vault payload lacks passwords or categories", errs.ErrFormat)
	}

	out := Vault{Passwords: *raw.Passwords, Categories: []string{DefaultCategory}}
	if out.Passwords == nil {
		out.Passwords = []PasswordEntry{}
	}
	for _, c := range *raw.Categories {
		if c != "" {
			out.AddCategory(c)
		}
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*v = out
	return nil
}

// BackupRecord is the plaintext of a backup file.
type BackupRecord struct {
	Data         Vault  `json:"data"`
	OriginalPath string `json:"original_path"`
	Timestamp    int64  `json:"timestamp"`
}

// AttemptRecord is the persisted throttle state for one identity.
// Sources hold SHA-256 hex digests, never raw addresses.
type AttemptRecord struct {
	Identity    string   `json:"identity"`
	Count       int      `json:"count"`
	LastAttempt int64    `json:"last_attempt"`
	Sources     []string `json:"source_addresses"`
}
