package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteDSNs(t *testing.T) {
	for _, dsn := range []string{"sqlite://:memory:", ":memory:"} {
		sink, err := NewSinkFromDSN(dsn)
		require.NoError(t, err, dsn)
		require.NoError(t, sink.Close())
	}
}

func TestRejectedDSNs(t *testing.T) {
	for _, dsn := range []string{"", "   ", "mysql://localhost/db"} {
		_, err := NewSinkFromDSN(dsn)
		assert.Error(t, err, dsn)
	}
}
