package dialects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dberrors "github.com/taproom/savedb/pkg/errors"
)

func TestValidateIdentifier(t *testing.T) {
	require.NoError(t, ValidateIdentifier("staff"))
	require.NoError(t, ValidateIdentifier(`odd "name"`))

	for _, name := range []string{"", "   ", "bad\x00name"} {
		err := ValidateIdentifier(name)
		require.Error(t, err, name)
		assert.True(t, dberrors.HasCode(err, dberrors.ErrInvalidIdentifier))
	}
}
