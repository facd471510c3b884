package plugin

import (
	"testing"

	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(logger.NewNoopLogger())

	require.NoError(t, r.Register("tax", testutil.NewTestInvoicePlugin()))
	require.NoError(t, r.Register("discount", testutil.NewTestInvoicePlugin()))

	err := r.Register("tax", testutil.NewTestInvoicePlugin())
	require.Error(t, err)
	assert.True(t, ierr.IsAlreadyExists(err))

	err = r.Register("", testutil.NewTestInvoicePlugin())
	require.Error(t, err)
	assert.True(t, ierr.IsValidation(err))

	assert.Equal(t, []string{"tax", "discount"}, r.Names())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(logger.NewNoopLogger())
	require.NoError(t, r.Register("tax", testutil.NewTestInvoicePlugin()))
	require.NoError(t, r.Register("discount", testutil.NewTestInvoicePlugin()))

	r.Unregister("tax")
	r.Unregister("unknown")

	_, ok := r.Lookup("tax")
	assert.False(t, ok)
	_, ok = r.Lookup("discount")
	assert.True(t, ok)
	assert.Equal(t, []string{"discount"}, r.Names())
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(logger.NewNoopLogger())
	assert.IsType(t, NoopPlugin{}, r.Resolve())

	tax := testutil.NewTestInvoicePlugin()
	require.NoError(t, r.Register("tax", tax))
	assert.Same(t, tax, r.Resolve())

	require.NoError(t, r.Register("discount", testutil.NewTestInvoicePlugin()))
	chain, ok := r.Resolve().(*Chain)
	require.True(t, ok)
	assert.Len(t, chain.plugins, 2)
	assert.Same(t, tax, chain.plugins[0])
}
