package bytecode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportkit/reportkit/bytecode"
	"github.com/reportkit/reportkit/kit/errors"
)

func TestNormalize_Blob(t *testing.T) {
	set, err := bytecode.Normalize("Expr1", []byte{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, "Expr1", set.PrimaryName())
	require.Equal(t, 1, set.Len())
	assert.Equal(t, []byte{1, 2, 3}, set.Units()[0].Data)
	assert.True(t, set.Has("Expr1"))
}

func TestNormalize_Bundle(t *testing.T) {
	b := new(bytecode.Bundle).
		Add("Expr1", []byte{1}).
		Add("Expr1$helper", []byte{2})

	set, err := bytecode.Normalize("Expr1", b)
	require.NoError(t, err)

	assert.Equal(t, "Expr1", set.PrimaryName())
	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Has("Expr1$helper"))
}

func TestNormalize_BundleMissingPrimary(t *testing.T) {
	b := new(bytecode.Bundle).Add("Other", []byte{1})

	_, err := bytecode.Normalize("Expr1", b)
	require.Error(t, err)
	assert.Equal(t, errors.EUnsupportedData, errors.ErrorCode(err))
}

func TestNormalize_EmptyBundle(t *testing.T) {
	_, err := bytecode.Normalize("Expr1", new(bytecode.Bundle))
	require.Error(t, err)
	assert.Equal(t, errors.EUnsupportedData, errors.ErrorCode(err))
}

func TestNormalize_Set(t *testing.T) {
	in := bytecode.SetForUnit("Expr1", []byte{9})

	set, err := bytecode.Normalize("Expr1", in)
	require.NoError(t, err)
	assert.Equal(t, "Expr1", set.PrimaryName())

	_, err = bytecode.Normalize("Other", in)
	require.Error(t, err)
	assert.Equal(t, errors.EUnsupportedData, errors.ErrorCode(err))
}

func TestNormalize_UnknownShape(t *testing.T) {
	for _, data := range []interface{}{nil, 42, "source text", []string{"a"}} {
		_, err := bytecode.Normalize("Expr1", data)
		require.Error(t, err, "shape %T", data)
		assert.Equal(t, errors.EUnsupportedData, errors.ErrorCode(err))
	}
}
