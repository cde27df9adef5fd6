package idgen_test

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/idgen"
)

func TestMustGenerateSortableIDProducesValidDistinctULIDs(t *testing.T) {
	a := idgen.MustGenerateSortableID()
	b := idgen.MustGenerateSortableID()

	_, err := ulid.ParseStrict(a)
	require.NoError(t, err)
	_, err = ulid.ParseStrict(b)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestMustGenerateSortableIDTimestampPrefixesAreNonDecreasing(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = idgen.MustGenerateSortableID()
	}

	for i := 1; i < len(ids); i++ {
		assert.LessOrEqual(t, ids[i-1][:10], ids[i][:10], "ULID timestamp prefix must be non-decreasing")
	}
}
