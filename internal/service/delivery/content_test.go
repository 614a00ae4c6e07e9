package delivery

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamasit07/souqchat/internal/config"
	"github.com/iamasit07/souqchat/internal/domain"
)

func newRules(t *testing.T) *ContentRules {
	t.Helper()
	r, err := NewContentRules(1000, 1500, config.DefaultPhonePattern, domain.MediaPolicy{AllowedHosts: []string{"cdn.souq.example"}})
	require.NoError(t, err)
	return r
}

func TestNewContentRules_BadPattern(t *testing.T) {
	_, err := NewContentRules(10, 10, "(", domain.MediaPolicy{})
	require.Error(t, err)
}

func TestContainsRTL(t *testing.T) {
	assert.True(t, ContainsRTL("hello مرحبا"))
	assert.True(t, ContainsRTL("שלום"))
	assert.False(t, ContainsRTL("hello 123"))
}

func TestValidate(t *testing.T) {
	arabic := func(n int) string { return strings.Repeat("ب", n) }

	tests := []struct {
		name  string
		req   SendRequest
		field string
	}{
		{"empty content", SendRequest{SenderID: "a", RecipientID: "b", Content: "   "}, "content"},
		{"self message", SendRequest{SenderID: "a", RecipientID: "a", Content: "hi"}, "recipientId"},
		{"missing recipient", SendRequest{SenderID: "a", Content: "hi"}, "recipientId"},
		{"latin over ceiling", SendRequest{SenderID: "a", RecipientID: "b", Content: strings.Repeat("x", 1001)}, "content"},
		{"rtl over rtl ceiling", SendRequest{SenderID: "a", RecipientID: "b", Content: arabic(1501)}, "content"},
		{"secondary too long", SendRequest{SenderID: "a", RecipientID: "b", Content: "hi", SecondaryContent: strings.Repeat("y", 1001)}, "secondaryContent"},
		{"text with metadata", SendRequest{SenderID: "a", RecipientID: "b", Content: "hi",
			Metadata: domain.Metadata{Location: &domain.LocationPayload{Latitude: 1, Longitude: 1}}}, "metadata"},
		{"image host not allowed", SendRequest{SenderID: "a", RecipientID: "b", Content: "photo", Type: domain.TypeImage,
			Metadata: domain.Metadata{Image: &domain.ImagePayload{URL: "https://evil.example/x.jpg"}}}, "metadata.image.url"},
		{"image over http", SendRequest{SenderID: "a", RecipientID: "b", Content: "photo", Type: domain.TypeImage,
			Metadata: domain.Metadata{Image: &domain.ImagePayload{URL: "http://cdn.souq.example/x.jpg"}}}, "metadata.image.url"},
		{"location out of range", SendRequest{SenderID: "a", RecipientID: "b", Content: "here", Type: domain.TypeLocation,
			Metadata: domain.Metadata{Location: &domain.LocationPayload{Latitude: 91}}}, "metadata.location.latitude"},
	}

	r := newRules(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			err := r.Validate(&req)
			var valErr *domain.ValidationError
			require.True(t, errors.As(err, &valErr), "got %v", err)
			assert.Equal(t, tc.field, valErr.Field)
		})
	}
}

func TestValidate_Accepts(t *testing.T) {
	r := newRules(t)

	req := SendRequest{SenderID: "a", RecipientID: "b", Content: "  " + strings.Repeat("ب", 1400) + "  "}
	require.NoError(t, r.Validate(&req))
	assert.Equal(t, domain.TypeText, req.Type)
	assert.False(t, strings.HasPrefix(req.Content, " "))

	img := SendRequest{SenderID: "a", RecipientID: "b", Content: "photo", Type: domain.TypeImage,
		Metadata: domain.Metadata{Image: &domain.ImagePayload{URL: "https://img.cdn.souq.example/x.jpg", MimeType: "image/jpeg"}}}
	require.NoError(t, r.Validate(&img))

	tx := SendRequest{SenderID: "a", RecipientID: "b", Content: "paid", Type: domain.TypeTransaction,
		Metadata: domain.Metadata{Transaction: &domain.TransactionPayload{TransactionID: "tx-1", Status: domain.TxPaid}}}
	require.NoError(t, r.Validate(&tx))
}

func TestRedact(t *testing.T) {
	r := newRules(t)

	tests := []struct {
		in, want string
		changed  bool
	}{
		{"call me 01012345678", "call me ***********", true},
		{"call me 010 1234 5678 tonight", "call me ************* tonight", true},
		{"+201012345678", "*************", true},
		{"whatsapp 00201512345678", "whatsapp **************", true},
		{"رقمي ٠١٠١٢٣٤٥٦٧٨", "رقمي ***********", true},
		{"+٢٠١١٢٣٤٥٦٧٨٩", "*************", true},
		{"price is 150000", "price is 150000", false},
		{"landline 0223456789", "landline 0223456789", false},
	}
	for _, tc := range tests {
		got, changed := r.Redact(tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.changed, changed, tc.in)
	}
}
