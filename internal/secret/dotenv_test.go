package secret

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretsync/internal/crypto"
	"github.com/org/secretsync/pkg/models"
)

func TestParseDotEnv(t *testing.T) {
	input := `# database
DB_HOST=localhost
export DB_PORT=5432

EMPTY=
QUOTED="hello world"
SINGLE='raw \n value'
ESCAPED="line1\nline2"
INLINE=value # trailing comment
no_equals_line
=novalue
DB_HOST=db.internal
`
	vars, err := ParseDotEnv(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []EnvVar{
		{Key: "DB_HOST", Value: "db.internal"},
		{Key: "DB_PORT", Value: "5432"},
		{Key: "EMPTY", Value: ""},
		{Key: "QUOTED", Value: "hello world"},
		{Key: "SINGLE", Value: `raw \n value`},
		{Key: "ESCAPED", Value: "line1\nline2"},
		{Key: "INLINE", Value: "value"},
	}, vars)
}

func TestExportDotEnv(t *testing.T) {
	out := ExportDotEnv([]EnvVar{
		{Key: "B", Value: "plain"},
		{Key: "A", Value: "has space"},
	})
	assert.Equal(t, "B=plain\nA=\"has space\"\n", out)
}

func TestDotEnvRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	properties.Property("export then parse preserves values", prop.ForAll(
		func(value string) bool {
			vars := []EnvVar{{Key: "KEY", Value: value}}
			parsed, err := ParseDotEnv(strings.NewReader(ExportDotEnv(vars)))
			if err != nil || len(parsed) != 1 {
				return false
			}
			return parsed[0] == vars[0]
		},
		gen.AnyString().SuchThat(func(s string) bool {
			return !strings.ContainsAny(s, "\n\r") && strings.TrimSpace(s) == s
		}),
	))

	properties.TestingRun(t)
}

func TestEncryptBatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	vars := []EnvVar{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}}

	batch, err := EncryptBatch(vars, key, models.SecretTypePersonal)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	for i, in := range batch {
		assert.Equal(t, models.SecretTypePersonal, in.Type)
		k, err := crypto.DecryptField(in.Key, key)
		require.NoError(t, err)
		v, err := crypto.DecryptField(in.Value, key)
		require.NoError(t, err)
		assert.Equal(t, vars[i], EnvVar{Key: k, Value: v})
	}
	assert.NotEqual(t, batch[0].Key.Hash, batch[1].Key.Hash)
}
