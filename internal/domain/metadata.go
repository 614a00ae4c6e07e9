package domain

import (
	"math"
	"net/url"
	"strings"
)

// Metadata carries the type-specific payload of a message. Exactly the variant
// matching the message type may be set; text messages carry none.
type Metadata struct {
	Image       *ImagePayload       `json:"image,omitempty"`
	Location    *LocationPayload    `json:"location,omitempty"`
	Transaction *TransactionPayload `json:"transaction,omitempty"`
	System      *SystemPayload      `json:"system,omitempty"`
}

type ImagePayload struct {
	URL      string `json:"url"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxPaid      TransactionStatus = "paid"
	TxShipped   TransactionStatus = "shipped"
	TxCompleted TransactionStatus = "completed"
	TxCancelled TransactionStatus = "cancelled"
	TxRefunded  TransactionStatus = "refunded"
	TxDisputed  TransactionStatus = "disputed"
)

func (s TransactionStatus) valid() bool {
	switch s {
	case TxPending, TxPaid, TxShipped, TxCompleted, TxCancelled, TxRefunded, TxDisputed:
		return true
	}
	return false
}

type TransactionPayload struct {
	TransactionID string            `json:"transactionId"`
	Status        TransactionStatus `json:"status"`
	Amount        int64             `json:"amount,omitempty"` // minor units
	Currency      string            `json:"currency,omitempty"`
}

type SystemPayload struct {
	Event  string            `json:"event"`
	Params map[string]string `json:"params,omitempty"`
}

// MediaPolicy constrains image references. An empty AllowedHosts accepts any host.
type MediaPolicy struct {
	AllowedHosts []string
}

func (p MediaPolicy) hostAllowed(host string) bool {
	if len(p.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, h := range p.AllowedHosts {
		h = strings.ToLower(h)
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (m Metadata) variants() int {
	n := 0
	if m.Image != nil {
		n++
	}
	if m.Location != nil {
		n++
	}
	if m.Transaction != nil {
		n++
	}
	if m.System != nil {
		n++
	}
	return n
}

// Validate checks that m is the well-formed payload for a message of type t.
func (m Metadata) Validate(t MessageType, policy MediaPolicy) error {
	if !t.Valid() {
		return NewValidationError("type", "unknown message type")
	}
	if t == TypeText {
		if m.variants() != 0 {
			return NewValidationError("metadata", "text messages carry no metadata")
		}
		return nil
	}
	if m.variants() != 1 {
		return NewValidationError("metadata", "exactly one payload matching the message type is required")
	}
	switch t {
	case TypeImage:
		if m.Image == nil {
			return NewValidationError("metadata.image", "image payload required")
		}
		return m.Image.validate(policy)
	case TypeLocation:
		if m.Location == nil {
			return NewValidationError("metadata.location", "location payload required")
		}
		return m.Location.validate()
	case TypeTransaction:
		if m.Transaction == nil {
			return NewValidationError("metadata.transaction", "transaction payload required")
		}
		return m.Transaction.validate()
	case TypeSystem:
		if m.System == nil {
			return NewValidationError("metadata.system", "system payload required")
		}
		if strings.TrimSpace(m.System.Event) == "" {
			return NewValidationError("metadata.system.event", "event is required")
		}
	}
	return nil
}

func (p *ImagePayload) validate(policy MediaPolicy) error {
	raw := strings.TrimSpace(p.URL)
	if raw == "" {
		return NewValidationError("metadata.image.url", "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return NewValidationError("metadata.image.url", "malformed url")
	}
	if u.Scheme != "https" {
		return NewValidationError("metadata.image.url", "url must use https")
	}
	if u.Host == "" || u.Hostname() == "" {
		return NewValidationError("metadata.image.url", "url must have a host")
	}
	if u.User != nil {
		return NewValidationError("metadata.image.url", "credentials in url are not allowed")
	}
	if !policy.hostAllowed(u.Hostname()) {
		return NewValidationError("metadata.image.url", "host is not allowed")
	}
	if p.Width < 0 || p.Height < 0 {
		return NewValidationError("metadata.image", "dimensions must not be negative")
	}
	if p.MimeType != "" && !strings.HasPrefix(p.MimeType, "image/") {
		return NewValidationError("metadata.image.mimeType", "not an image mime type")
	}
	return nil
}

func (p *LocationPayload) validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return NewValidationError("metadata.location.latitude", "out of range")
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return NewValidationError("metadata.location.longitude", "out of range")
	}
	return nil
}

func (p *TransactionPayload) validate() error {
	if strings.TrimSpace(p.TransactionID) == "" {
		return NewValidationError("metadata.transaction.transactionId", "transaction id is required")
	}
	if !p.Status.valid() {
		return NewValidationError("metadata.transaction.status", "unknown transaction status")
	}
	if p.Amount < 0 {
		return NewValidationError("metadata.transaction.amount", "amount must not be negative")
	}
	return nil
}
