package notification

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/iamasit07/souqchat/internal/domain"
)

func TestResolveLocale(t *testing.T) {
	tests := []struct{ locale, fallback, want string }{
		{"ar-SY", "en", "ar"},
		{"EN_us", "ar", "en"},
		{"fr-FR", "ar", "ar"},
		{"", "", "en"},
		{"de", "tr", "en"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ResolveLocale(tc.locale, tc.fallback), tc.locale)
	}
}

func TestComposeMessage(t *testing.T) {
	m := &domain.Message{ID: "m1", Type: domain.TypeText, Content: "  ", SecondaryContent: "secondary text"}
	assert.Equal(t, "secondary text", composeMessage(m, "en").Body)

	m.Content = strings.Repeat("x", 500)
	body := composeMessage(m, "en").Body
	assert.Equal(t, maxBodyRunes, utf8.RuneCountInString(body))

	tx := &domain.Message{Type: domain.TypeTransaction, Content: "x",
		Metadata: domain.Metadata{Transaction: &domain.TransactionPayload{TransactionID: "t", Status: domain.TxShipped}}}
	assert.Equal(t, "Order update: shipped", composeMessage(tx, "en").Body)
	assert.Equal(t, "تحديث الطلب: shipped", composeMessage(tx, "ar").Body)

	loc := &domain.Message{Type: domain.TypeLocation, Content: "here"}
	assert.Equal(t, "Shared a location", composeMessage(loc, "en").Body)
}
