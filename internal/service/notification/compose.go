package notification

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/integrations/push"
)

const maxBodyRunes = 120

var templates = map[string]map[string]string{
	"en": {
		"title.message":    "New message",
		"title.status":     "Message read",
		"body.image":       "Sent you a photo",
		"body.location":    "Shared a location",
		"body.transaction": "Order update: %s",
		"body.system":      "You have a new notification",
		"body.read":        "Your message was read",
	},
	"ar": {
		"title.message":    "رسالة جديدة",
		"title.status":     "تمت قراءة الرسالة",
		"body.image":       "أرسل لك صورة",
		"body.location":    "شارك موقعاً",
		"body.transaction": "تحديث الطلب: %s",
		"body.system":      "لديك إشعار جديد",
		"body.read":        "تمت قراءة رسالتك",
	},
}

// ResolveLocale maps a tag like "ar-SY" to a supported language, falling back to
// fallback and then English.
func ResolveLocale(locale, fallback string) string {
	for _, candidate := range []string{locale, fallback} {
		lang := strings.ToLower(strings.TrimSpace(candidate))
		if i := strings.IndexAny(lang, "-_"); i > 0 {
			lang = lang[:i]
		}
		if _, ok := templates[lang]; ok {
			return lang
		}
	}
	return "en"
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// composeMessage prefers the primary text, falls back to the secondary one, and
// uses a placeholder for non-text types.
func composeMessage(m *domain.Message, lang string) push.Payload {
	t := templates[lang]
	var body string
	switch m.Type {
	case domain.TypeImage:
		body = t["body.image"]
	case domain.TypeLocation:
		body = t["body.location"]
	case domain.TypeSystem:
		body = t["body.system"]
	case domain.TypeTransaction:
		status := ""
		if m.Metadata.Transaction != nil {
			status = string(m.Metadata.Transaction.Status)
		}
		body = fmt.Sprintf(t["body.transaction"], status)
	default:
		body = strings.TrimSpace(m.Content)
		if body == "" {
			body = strings.TrimSpace(m.SecondaryContent)
		}
	}
	return push.Payload{
		Title:    t["title.message"],
		Body:     truncate(body, maxBodyRunes),
		Priority: push.PriorityHigh,
		Locale:   lang,
		Data: map[string]string{
			"kind":            "message",
			"messageId":       m.ID,
			"conversationRef": m.ConversationRef,
			"senderId":        m.SenderID,
			"type":            string(m.Type),
		},
	}
}

func composeStatus(m *domain.Message, lang string) push.Payload {
	t := templates[lang]
	return push.Payload{
		Title:    t["title.status"],
		Body:     t["body.read"],
		Priority: push.PriorityNormal,
		Locale:   lang,
		Data: map[string]string{
			"kind":            "status",
			"messageId":       m.ID,
			"conversationRef": m.ConversationRef,
			"status":          string(m.Status),
		},
	}
}
