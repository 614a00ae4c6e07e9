package delivery

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/iamasit07/souqchat/internal/config"
	"github.com/iamasit07/souqchat/internal/domain"
)

var rtlScripts = []*unicode.RangeTable{unicode.Arabic, unicode.Hebrew, unicode.Syriac, unicode.Thaana, unicode.Nko}

// ContentRules validates and redacts message text before it is stored.
type ContentRules struct {
	MaxLength    int
	MaxLengthRTL int
	Media        domain.MediaPolicy
	phone        *regexp.Regexp
}

func NewContentRules(maxLength, maxLengthRTL int, phonePattern string, media domain.MediaPolicy) (*ContentRules, error) {
	r := &ContentRules{MaxLength: maxLength, MaxLengthRTL: maxLengthRTL, Media: media}
	if r.MaxLengthRTL < r.MaxLength {
		r.MaxLengthRTL = r.MaxLength
	}
	if phonePattern != "" {
		re, err := regexp.Compile(phonePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid phone redaction pattern: %w", err)
		}
		r.phone = re
	}
	return r, nil
}

func ContentRulesFromConfig(cfg *config.Config) (*ContentRules, error) {
	return NewContentRules(cfg.MaxContentLength, cfg.MaxContentLengthRTL, cfg.PhonePattern,
		domain.MediaPolicy{AllowedHosts: cfg.MediaAllowedHosts})
}

// ContainsRTL reports whether s has any right-to-left script letter.
func ContainsRTL(s string) bool {
	for _, r := range s {
		if unicode.IsOneOf(rtlScripts, r) {
			return true
		}
	}
	return false
}

// CheckText trims s and enforces the length ceiling for its script.
func (r *ContentRules) CheckText(field, s string, required bool) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return "", domain.NewValidationError(field, "must not be empty")
		}
		return "", nil
	}
	if !utf8.ValidString(s) {
		return "", domain.NewValidationError(field, "not valid utf-8")
	}
	limit := r.MaxLength
	if ContainsRTL(s) {
		limit = r.MaxLengthRTL
	}
	if limit > 0 && utf8.RuneCountInString(s) > limit {
		return "", domain.NewValidationError(field, fmt.Sprintf("exceeds %d characters", limit))
	}
	return s, nil
}

// Validate normalizes req in place. It returns a *domain.ValidationError on the
// first rule broken.
func (r *ContentRules) Validate(req *SendRequest) error {
	if err := domain.ValidateParticipants(req.SenderID, req.RecipientID); err != nil {
		return err
	}
	if req.Type == "" {
		req.Type = domain.TypeText
	}
	content, err := r.CheckText("content", req.Content, true)
	if err != nil {
		return err
	}
	secondary, err := r.CheckText("secondaryContent", req.SecondaryContent, false)
	if err != nil {
		return err
	}
	if err := req.Metadata.Validate(req.Type, r.Media); err != nil {
		return err
	}
	req.Content, req.SecondaryContent = content, secondary
	return nil
}

// Redact masks phone numbers rune for rune and reports whether it changed s.
func (r *ContentRules) Redact(s string) (string, bool) {
	if r.phone == nil || s == "" {
		return s, false
	}
	changed := false
	out := r.phone.ReplaceAllStringFunc(s, func(match string) string {
		changed = true
		return strings.Repeat("*", utf8.RuneCountInString(match))
	})
	return out, changed
}
