package instruments

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments.json")
	body := `{"instruments": [
		{"uid": "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "symbol": "ACME", "price": 10, "volatility": 0.02, "circuit_limit": 0.1},
		{"symbol": "GLOBX", "price": 5, "volatility": 0.03}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	list, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", list[0].UID.String())
	assert.Equal(t, 0.1, list[0].CircuitLimit)
	assert.NotEqual(t, uuid.Nil, list[1].UID)
	assert.Equal(t, "GLOBX", list[1].Symbol)
}

func TestReadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"instruments": []}`), 0o600))
	_, err = ReadFile(empty)
	assert.ErrorContains(t, err, "empty")

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"instruments": [`), 0o600))
	_, err = ReadFile(broken)
	assert.ErrorContains(t, err, "parse")
}

func TestSeededFileIsValid(t *testing.T) {
	list, err := ReadFile(filepath.Join("..", "..", "..", "..", "cmd", "data", "instruments.json"))
	require.NoError(t, err)
	for _, inst := range list {
		assert.NoError(t, inst.Validate(), inst.Symbol)
	}
}
