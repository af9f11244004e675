package contracts_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
)

func TestExpected(t *testing.T) {
	assert.True(t, contracts.Expected(contracts.ErrNoElement))
	assert.True(t, contracts.Expected(contracts.ErrAlreadyExists))
	assert.True(t, contracts.Expected(contracts.ErrSchemaMismatch))
	assert.True(t, contracts.Expected(contracts.ErrAuthentication))

	assert.False(t, contracts.Expected(contracts.ErrInvalidAction))
	assert.False(t, contracts.Expected(contracts.ErrInvalidTrigger))
	assert.False(t, contracts.Expected(contracts.ErrNoTypeSchema))
	assert.False(t, contracts.Expected(contracts.ErrInvalidInput))
	assert.False(t, contracts.Expected(errors.New("anything else")))
}

func TestExpected_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", contracts.ErrNoElement)
	assert.True(t, contracts.Expected(wrapped))
}

func TestErrorName(t *testing.T) {
	assert.Equal(t, "WorkerNoElement", contracts.ErrorName(contracts.ErrNoElement))
	assert.Equal(t, "WorkerElementAlreadyExists", contracts.ErrorName(contracts.ErrAlreadyExists))
	assert.Equal(t, "WorkerSchemaMismatch", contracts.ErrorName(contracts.ErrSchemaMismatch))
	assert.Equal(t, "WorkerInvalidAction", contracts.ErrorName(contracts.ErrInvalidAction))
	assert.Equal(t, "QueryTimeout", contracts.ErrorName(contracts.ErrRetriesExhausted))
	assert.Equal(t, "Error", contracts.ErrorName(errors.New("anything else")))
}

func TestSerializeError(t *testing.T) {
	result := contracts.SerializeError(contracts.WrapNoElement("contract", "thread-foo"))
	assert.True(t, result.Error)

	data, ok := result.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "WorkerNoElement", data["name"])
	assert.Equal(t, true, data["expected"])
	assert.Contains(t, data["message"], "thread-foo")
}
