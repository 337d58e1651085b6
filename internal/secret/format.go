package secret

import (
	"fmt"
	"strings"

	"github.com/org/secretsync/internal/crypto"
	"github.com/org/secretsync/pkg/models"
)

// Format selects how decrypted secrets are rendered.
type Format string

const (
	FormatText     Format = "text"
	FormatObject   Format = "object"
	FormatExpanded Format = "expanded"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatText, FormatObject, FormatExpanded:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFormat, s)
}

// Content is decrypted output in one of the three formats.
type Content interface {
	Format() Format
	content()
}

// TextContent is newline-separated KEY=value lines in input order.
type TextContent string

// ObjectContent maps each decrypted key to its value.
type ObjectContent map[string]string

// ExpandedContent maps each decrypted key to the stored record plus plaintext.
type ExpandedContent map[string]ExpandedSecret

// ExpandedSecret is a stored secret alongside its decrypted key and value.
type ExpandedSecret struct {
	models.Secret
	PlainKey   string `json:"plain_key"`
	PlainValue string `json:"plain_value"`
}

func (TextContent) Format() Format     { return FormatText }
func (ObjectContent) Format() Format   { return FormatObject }
func (ExpandedContent) Format() Format { return FormatExpanded }

func (TextContent) content()     {}
func (ObjectContent) content()   {}
func (ExpandedContent) content() {}

// ReformattedSecret is the client-neutral shape of a stored secret.
type ReformattedSecret struct {
	ID          string                `json:"id"`
	WorkspaceID string                `json:"workspace"`
	Environment string                `json:"environment"`
	Type        models.SecretType     `json:"type"`
	Version     int                   `json:"version"`
	Key         models.EncryptedField `json:"key"`
	Value       models.EncryptedField `json:"value"`
}

// Reformat reshapes stored secrets for clients that do not read the raw
// records. Any malformed record fails the whole call.
func Reformat(secrets []*models.Secret) ([]ReformattedSecret, error) {
	out := make([]ReformattedSecret, 0, len(secrets))
	for i, sec := range secrets {
		if err := checkRecord(sec); err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrReformatFailed, i, err)
		}
		out = append(out, ReformattedSecret{
			ID:          sec.ID,
			WorkspaceID: sec.WorkspaceID,
			Environment: sec.Environment,
			Type:        sec.Type,
			Version:     sec.Version,
			Key:         sec.Key,
			Value:       sec.Value,
		})
	}
	return out, nil
}

func checkRecord(sec *models.Secret) error {
	switch {
	case sec == nil:
		return fmt.Errorf("nil secret")
	case !sec.Type.Valid():
		return fmt.Errorf("unknown type %q", sec.Type)
	case sec.Key.Ciphertext == "" || sec.Key.IV == "" || sec.Key.Tag == "":
		return fmt.Errorf("secret %s: incomplete key material", sec.ID)
	case sec.Value.Ciphertext == "" || sec.Value.IV == "" || sec.Value.Tag == "":
		return fmt.Errorf("secret %s: incomplete value material", sec.ID)
	}
	return nil
}

type plainPair struct {
	key, value string
}

// Decrypt decrypts every secret with key and renders the result as format.
// A single failure fails the whole call and no content is returned.
func Decrypt(secrets []*models.Secret, key []byte, format Format) (Content, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}

	plain := make([]plainPair, len(secrets))
	for i, sec := range secrets {
		if sec == nil {
			return nil, fmt.Errorf("%w: record %d: nil secret", ErrDecryptFailed, i)
		}
		k, err := crypto.DecryptField(sec.Key, key)
		if err != nil {
			return nil, fmt.Errorf("%w: secret %s key: %w", ErrDecryptFailed, sec.ID, err)
		}
		v, err := crypto.DecryptField(sec.Value, key)
		if err != nil {
			return nil, fmt.Errorf("%w: secret %s value: %w", ErrDecryptFailed, sec.ID, err)
		}
		plain[i] = plainPair{key: k, value: v}
	}

	switch format {
	case FormatObject:
		obj := make(ObjectContent, len(plain))
		for _, p := range plain {
			obj[p.key] = p.value
		}
		return obj, nil
	case FormatExpanded:
		exp := make(ExpandedContent, len(plain))
		for i, p := range plain {
			exp[p.key] = ExpandedSecret{Secret: *secrets[i], PlainKey: p.key, PlainValue: p.value}
		}
		return exp, nil
	default:
		lines := make([]string, len(plain))
		for i, p := range plain {
			lines[i] = p.key + "=" + p.value
		}
		return TextContent(strings.Join(lines, "\n")), nil
	}
}
