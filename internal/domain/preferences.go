package domain

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// PreferencesCollection is the NSID of display preference records.
	PreferencesCollection = "io.zzstoatzz.status.preferences"

	// PreferencesRecordKey is the single record key preferences live under.
	PreferencesRecordKey = "self"

	DefaultFontFamily  = "mono"
	DefaultAccentColor = "#1DA1F2"
	DefaultTheme       = "system"
)

var (
	accentColorRegex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
	fontFamilies     = map[string]bool{"mono": true, "sans": true, "serif": true, "system": true}
	themes           = map[string]bool{"system": true, "light": true, "dark": true}
)

// Preferences are per-account display settings.
type Preferences struct {
	DID         string
	FontFamily  string
	AccentColor string
	Theme       string
	UpdatedAt   time.Time
}

// DefaultPreferences returns the settings used for accounts that never saved any.
func DefaultPreferences(did string) *Preferences {
	return &Preferences{
		DID:         did,
		FontFamily:  DefaultFontFamily,
		AccentColor: DefaultAccentColor,
		Theme:       DefaultTheme,
	}
}

// PreferencesRecord is the wire shape of an io.zzstoatzz.status.preferences record.
type PreferencesRecord struct {
	Type        string `json:"$type"`
	FontFamily  string `json:"fontFamily,omitempty"`
	AccentColor string `json:"accentColor,omitempty"`
	Theme       string `json:"theme,omitempty"`
	UpdatedAt   string `json:"updatedAt"`
}

// NewPreferencesRecord builds the record written to the author's repository.
func NewPreferencesRecord(p *Preferences, now time.Time) (*PreferencesRecord, error) {
	rec := &PreferencesRecord{
		Type:        PreferencesCollection,
		FontFamily:  p.FontFamily,
		AccentColor: p.AccentColor,
		Theme:       p.Theme,
		UpdatedAt:   FormatDatetime(now.Truncate(time.Millisecond)),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PreferencesRecord) Validate() error {
	if r.FontFamily != "" && !fontFamilies[r.FontFamily] {
		return fmt.Errorf("%w: unknown font family %q", ErrInvalidPreferences, r.FontFamily)
	}
	if r.AccentColor != "" && !accentColorRegex.MatchString(r.AccentColor) {
		return fmt.Errorf("%w: accent color must be #rrggbb", ErrInvalidPreferences)
	}
	if r.Theme != "" && !themes[r.Theme] {
		return fmt.Errorf("%w: unknown theme %q", ErrInvalidPreferences, r.Theme)
	}
	if _, err := parseDatetime(r.UpdatedAt); err != nil {
		return fmt.Errorf("%w: updatedAt: %v", ErrInvalidPreferences, err)
	}
	return nil
}

// PreferencesFromRecord converts a record into stored preferences, filling
// unset fields with defaults.
func PreferencesFromRecord(did string, rec *PreferencesRecord) (*Preferences, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	updatedAt, _ := parseDatetime(rec.UpdatedAt)

	p := DefaultPreferences(did)
	if rec.FontFamily != "" {
		p.FontFamily = rec.FontFamily
	}
	if rec.AccentColor != "" {
		p.AccentColor = rec.AccentColor
	}
	if rec.Theme != "" {
		p.Theme = rec.Theme
	}
	p.UpdatedAt = updatedAt.UTC().Truncate(time.Millisecond)
	return p, nil
}
