package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSONPositions(t *testing.T) {
	t.Run("syntax error carries line and column", func(t *testing.T) {
		data := []byte("{\n  \"name\": \"x\",\n  \"extends\": ,\n}")
		var v map[string]any
		err := DecodeJSON("apps/x.json", data, &v)
		require.Error(t, err)

		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, "apps/x.json", decErr.Pos.File)
		assert.Equal(t, 3, decErr.Pos.Line)
		assert.Contains(t, err.Error(), "apps/x.json:3:")
	})

	t.Run("type error carries position", func(t *testing.T) {
		data := []byte("{\n  \"name\": 42\n}")
		var v struct {
			Name string `json:"name"`
		}
		err := DecodeJSON("t.json", data, &v)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, 2, decErr.Pos.Line)
	})

	t.Run("unknown fields rejected strictly", func(t *testing.T) {
		var v struct {
			Name string `json:"name"`
		}
		err := DecodeJSON("t.json", []byte(`{"name":"x","bogus":1}`), &v)
		assert.Error(t, err)

		err = DecodeJSONLoose("t.json", []byte(`{"name":"x","bogus":1}`), &v)
		assert.NoError(t, err)
		assert.Equal(t, "x", v.Name)
	})

	t.Run("valid document", func(t *testing.T) {
		var v map[string]any
		assert.NoError(t, DecodeJSON("t.json", []byte(`{"a":1}`), &v))
	})
}

func TestPositionString(t *testing.T) {
	assert.Equal(t, "f.json:2:5", Position{File: "f.json", Line: 2, Column: 5}.String())
	assert.Equal(t, "2:5", Position{Line: 2, Column: 5}.String())
}
