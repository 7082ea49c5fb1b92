package signup

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Strategy names, in the order the default decoder tries them.
const (
	StrategyBase64          = "base64"
	StrategyURLThenBase64   = "url-then-base64"
	StrategyJSON            = "json"
	StrategyURLDecode       = "url-decode"
	StrategyDoubleURLDecode = "double-url-decode"
	StrategyPercentEntities = "percent-entities"
	StrategyRecovery        = "recovery"
)

// DecodeFunc turns a raw redirect parameter into an identity payload.
type DecodeFunc func(raw string) (*IdentityPayload, error)

// DecodeStrategy is a named DecodeFunc.
type DecodeStrategy struct {
	Name   string
	Decode DecodeFunc
}

// DefaultStrategies returns the ordered strategies used by NewDecoder.
// Cheap and likely encodings come first.
func DefaultStrategies() []DecodeStrategy {
	return []DecodeStrategy{
		{Name: StrategyBase64, Decode: DecodeBase64},
		{Name: StrategyURLThenBase64, Decode: DecodeURLThenBase64},
		{Name: StrategyJSON, Decode: DecodeJSON},
		{Name: StrategyURLDecode, Decode: DecodeURL},
		{Name: StrategyDoubleURLDecode, Decode: DecodeDoubleURL},
		{Name: StrategyPercentEntities, Decode: DecodePercentEntities},
	}
}

// Decoder tries each strategy in order until one yields a payload with both
// an external id and an email.
type Decoder struct {
	strategies []DecodeStrategy
	recovery   DecodeFunc
	metrics    Metrics
	logger     Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithStrategies replaces the ordered strategy list.
func WithStrategies(strategies ...DecodeStrategy) DecoderOption {
	return func(d *Decoder) {
		d.strategies = append([]DecodeStrategy(nil), strategies...)
	}
}

// WithDecoderMetrics records which strategy matched.
func WithDecoderMetrics(m Metrics) DecoderOption {
	return func(d *Decoder) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithDecoderLogger sets the logger.
func WithDecoderLogger(l Logger) DecoderOption {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDecoder returns a decoder with the default strategies.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		strategies: DefaultStrategies(),
		recovery:   RecoverEmbeddedObject,
		metrics:    noopMetrics{},
		logger:     defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

var defaultDecoder = NewDecoder()

// Decode decodes raw with the default decoder.
func Decode(raw string) (*IdentityPayload, error) {
	return defaultDecoder.Decode(raw)
}

// Decode returns the first structurally valid payload, or ErrDecodeFailure.
func (d *Decoder) Decode(raw string) (*IdentityPayload, error) {
	payload, _, err := d.DecodeWithStrategy(raw)
	return payload, err
}

// DecodeWithStrategy is Decode that also reports the matching strategy name.
func (d *Decoder) DecodeWithStrategy(raw string) (payload *IdentityPayload, strategy string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("identity decoder panic: %v", r)
			payload, strategy, err = nil, "", fmt.Errorf("%w: %v", ErrDecodeFailure, r)
		}
	}()

	original := strings.TrimSpace(raw)
	if original == "" {
		d.metrics.DecodeFailed()
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecodeFailure)
	}

	input := Deduplicate(original)
	if len(input) != len(original) {
		d.logger.Debug("identity payload was duplicated, using first half")
	}

	for _, s := range d.strategies {
		if s.Decode == nil {
			continue
		}
		p, err := s.Decode(input)
		if err == nil && p.Valid() {
			d.metrics.DecodeSucceeded(s.Name)
			return p, s.Name, nil
		}
	}

	if d.recovery != nil {
		if p, err := d.recovery(original); err == nil && p.Valid() {
			d.logger.Warn("identity payload recovered from embedded object")
			d.metrics.DecodeSucceeded(StrategyRecovery)
			return p, StrategyRecovery, nil
		}
	}

	d.metrics.DecodeFailed()
	return nil, "", ErrDecodeFailure
}

// Deduplicate returns the first half of s when s is the same string
// concatenated with itself.
func Deduplicate(s string) string {
	n := len(s)
	if n == 0 || n%2 != 0 {
		return s
	}
	half := n / 2
	if s[:half] == s[half:] {
		return s[:half]
	}
	return s
}

// DecodeBase64 decodes a base64 JSON object.
func DecodeBase64(raw string) (*IdentityPayload, error) {
	data, err := decodeBase64(raw)
	if err != nil {
		return nil, err
	}
	return parseIdentity(data)
}

// DecodeURLThenBase64 URL-decodes once, then base64-decodes.
func DecodeURLThenBase64(raw string) (*IdentityPayload, error) {
	unescaped, err := url.PathUnescape(raw)
	if err != nil {
		return nil, err
	}
	return DecodeBase64(unescaped)
}

// DecodeJSON parses raw as a JSON object.
func DecodeJSON(raw string) (*IdentityPayload, error) {
	return parseIdentity([]byte(raw))
}

// DecodeURL URL-decodes once and parses JSON.
func DecodeURL(raw string) (*IdentityPayload, error) {
	unescaped, err := url.PathUnescape(raw)
	if err != nil {
		return nil, err
	}
	return parseIdentity([]byte(unescaped))
}

// DecodeDoubleURL URL-decodes twice and parses JSON.
func DecodeDoubleURL(raw string) (*IdentityPayload, error) {
	once, err := url.PathUnescape(raw)
	if err != nil {
		return nil, err
	}
	twice, err := url.PathUnescape(once)
	if err != nil {
		return nil, err
	}
	return parseIdentity([]byte(twice))
}

var percentEntities = strings.NewReplacer(
	"%22", `"`, "%7B", "{", "%7b", "{", "%7D", "}", "%7d", "}",
	"%3A", ":", "%3a", ":", "%2C", ",", "%2c", ",", "%40", "@",
	"%2F", "/", "%2f", "/", "%20", " ", "%2B", "+", "%2b", "+",
	"%3D", "=", "%3d", "=", "%5B", "[", "%5b", "[", "%5D", "]", "%5d", "]",
)

// DecodePercentEntities replaces the common percent entities by hand and
// parses JSON. It tolerates stray '%' that strict URL decoding rejects.
func DecodePercentEntities(raw string) (*IdentityPayload, error) {
	return parseIdentity([]byte(percentEntities.Replace(raw)))
}

// RecoverEmbeddedObject base64-decodes raw and parses the first balanced
// JSON object found in the result.
func RecoverEmbeddedObject(raw string) (*IdentityPayload, error) {
	data, err := decodeBase64(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := firstObject(data)
	if !ok {
		return nil, fmt.Errorf("no embedded object")
	}
	return parseIdentity(obj)
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.URLEncoding,
	base64.RawStdEncoding,
	base64.RawURLEncoding,
}

func decodeBase64(raw string) ([]byte, error) {
	data, err := decodeBase64Trimmed(strings.TrimSpace(raw))
	if err == nil {
		return data, nil
	}

	// query parsing turns an unescaped '+' of the standard alphabet into ' '
	if trimmed := strings.Trim(raw, "\t\r\n"); strings.ContainsRune(trimmed, ' ') {
		if data, rerr := decodeBase64Trimmed(strings.ReplaceAll(trimmed, " ", "+")); rerr == nil {
			return data, nil
		}
	}
	return nil, err
}

func decodeBase64Trimmed(raw string) ([]byte, error) {
	var lastErr error
	for _, enc := range base64Encodings {
		data, err := enc.DecodeString(raw)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}

	// padding in the middle of the input means more than one encoded value
	// was concatenated, keep the first one
	if i := strings.IndexByte(raw, '='); i > 0 && i < len(raw)-2 {
		end := i
		for end < len(raw) && raw[end] == '=' {
			end++
		}
		for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
			if data, err := enc.DecodeString(raw[:end]); err == nil {
				return data, nil
			}
		}
	}
	return nil, lastErr
}

// firstObject returns the first balanced {...} in data, honoring JSON strings.
func firstObject(data []byte) ([]byte, bool) {
	start := bytes.IndexByte(data, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return data[start : i+1], true
			}
		}
	}
	return nil, false
}

type wireIdentity struct {
	ExternalID  string `json:"externalId"`
	GoogleID    string `json:"googleId"`
	ExternalIDS string `json:"external_id"`
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	AvatarURL   string `json:"avatarUrl"`
}

func parseIdentity(data []byte) (*IdentityPayload, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("not a json object")
	}

	var w wireIdentity
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	id := w.ExternalID
	if id == "" {
		id = w.GoogleID
	}
	if id == "" {
		id = w.ExternalIDS
	}

	p := &IdentityPayload{
		ExternalID: strings.TrimSpace(id),
		Email:      strings.TrimSpace(w.Email),
		FirstName:  w.FirstName,
		LastName:   w.LastName,
		AvatarURL:  w.AvatarURL,
	}
	if !p.Valid() {
		return nil, fmt.Errorf("missing externalId or email")
	}
	return p, nil
}
