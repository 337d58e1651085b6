package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/org/secretsync/internal/crypto"
	"github.com/org/secretsync/pkg/models"
)

// EnvVar is one KEY=value pair from a .env file.
type EnvVar struct {
	Key   string
	Value string
}

// ParseDotEnv reads .env content in file order. Blank lines, comments and
// lines without a key are skipped. A repeated key keeps its first position
// and its last value.
func ParseDotEnv(r io.Reader) ([]EnvVar, error) {
	var vars []EnvVar
	pos := map[string]int{}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := parseValue(strings.TrimSpace(line[eq+1:]))

		if i, ok := pos[key]; ok {
			vars[i].Value = value
			continue
		}
		pos[key] = len(vars)
		vars = append(vars, EnvVar{Key: key, Value: value})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	return vars, nil
}

func parseValue(v string) string {
	if len(v) >= 2 {
		switch {
		case v[0] == '\'' && v[len(v)-1] == '\'':
			return v[1 : len(v)-1]
		case v[0] == '"' && v[len(v)-1] == '"':
			return unescape(v[1 : len(v)-1])
		}
	}
	// Unquoted values end at an inline comment.
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}

// unescape handles the escapes ExportDotEnv writes, in a single pass so that
// an escaped backslash followed by n stays literal.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
			continue
		}
		i++
	}
	return b.String()
}

// ExportDotEnv renders vars as a .env file, preserving their order.
func ExportDotEnv(vars []EnvVar) string {
	var buf bytes.Buffer
	for _, v := range vars {
		if needsQuoting(v.Value) {
			fmt.Fprintf(&buf, "%s=\"%s\"\n", v.Key, escape(v.Value))
		} else {
			fmt.Fprintf(&buf, "%s=%s\n", v.Key, v.Value)
		}
	}
	return buf.String()
}

func needsQuoting(s string) bool {
	return strings.ContainsAny(s, " \t\r\n\"'\\#")
}

var escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`, "\r", `\r`)

func escape(s string) string {
	return escaper.Replace(s)
}

// EncryptBatch encrypts vars with the workspace key into a push batch of
// the given type.
func EncryptBatch(vars []EnvVar, key []byte, t models.SecretType) ([]models.SecretInput, error) {
	batch := make([]models.SecretInput, 0, len(vars))
	for _, v := range vars {
		k, err := crypto.EncryptField(v.Key, key)
		if err != nil {
			return nil, fmt.Errorf("encrypting key %s: %w", v.Key, err)
		}
		val, err := crypto.EncryptField(v.Value, key)
		if err != nil {
			return nil, fmt.Errorf("encrypting value of %s: %w", v.Key, err)
		}
		batch = append(batch, models.SecretInput{Type: t, Key: k, Value: val})
	}
	return batch, nil
}
