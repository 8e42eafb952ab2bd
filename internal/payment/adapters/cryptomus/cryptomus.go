package cryptomus

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
)

const (
	ProviderName = "cryptomus"
	signField    = "sign"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	apiKey, ok := readString(cfg.Config, "api_key")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	merchantID, _ := readString(cfg.Config, "merchant_id")

	return &Adapter{
		apiKey:     apiKey,
		merchantID: strings.TrimSpace(merchantID),
	}, nil
}

type Adapter struct {
	apiKey     string
	merchantID string
}

// Verify checks the notification signature. The signature is taken from the
// argument when present, otherwise from the payload's "sign" field.
func (a *Adapter) Verify(ctx context.Context, payload []byte, signature string) error {
	fields, err := decodeFields(payload)
	if err != nil {
		return err
	}

	signature = strings.TrimSpace(signature)
	if signature == "" {
		embedded, ok := fields[signField].(string)
		if !ok {
			return paymentdomain.ErrInvalidSignature
		}
		signature = strings.TrimSpace(embedded)
	}
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	expected, err := signFields(fields, a.apiKey)
	if err != nil {
		return paymentdomain.ErrInvalidPayload
	}
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(signature)), []byte(expected)) != 1 {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.Notification, error) {
	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(body.OrderID) == "" || strings.TrimSpace(body.Status) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if a.merchantID != "" && body.MerchantID != "" && body.MerchantID != a.merchantID {
		return nil, paymentdomain.ErrEventIgnored
	}

	return &paymentdomain.Notification{
		Provider:      ProviderName,
		PaymentID:     strings.TrimSpace(body.UUID),
		OrderID:       strings.TrimSpace(body.OrderID),
		Status:        paymentdomain.ParseStatus(body.Status),
		Amount:        string(body.Amount),
		Currency:      strings.ToUpper(strings.TrimSpace(body.Currency)),
		PaymentAmount: string(body.PaymentAmount),
		RawPayload:    payload,
	}, nil
}

// Sign returns lowercase hex md5(base64(canonical json) + apiKey) for a
// payload, ignoring any "sign" field it carries.
func Sign(payload []byte, apiKey string) (string, error) {
	fields, err := decodeFields(payload)
	if err != nil {
		return "", err
	}
	return signFields(fields, apiKey)
}

func signFields(fields map[string]any, apiKey string) (string, error) {
	canonical, err := canonicalJSON(fields)
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(canonical)
	sum := md5.Sum([]byte(encoded + apiKey))
	return hex.EncodeToString(sum[:]), nil
}

func decodeFields(payload []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil || fields == nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return fields, nil
}

// canonicalJSON drops the signature and encodes with sorted keys and without
// HTML escaping. Numbers keep their original text.
func canonicalJSON(fields map[string]any) ([]byte, error) {
	unsigned := make(map[string]any, len(fields))
	for key, value := range fields {
		if key == signField {
			continue
		}
		unsigned[key] = value
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(unsigned); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type webhookBody struct {
	Type          string     `json:"type"`
	UUID          string     `json:"uuid"`
	OrderID       string     `json:"order_id"`
	MerchantID    string     `json:"merchant_id"`
	Status        string     `json:"status"`
	Amount        flexString `json:"amount"`
	PaymentAmount flexString `json:"payment_amount"`
	Currency      string     `json:"currency"`
}

// flexString accepts amounts sent either as JSON strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	switch cast := value.(type) {
	case string:
		return cast, true
	default:
		return "", false
	}
}
