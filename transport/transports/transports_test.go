package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/busflow/transport"
)

func TestBuiltinSchemesRegistered(t *testing.T) {
	for _, scheme := range Schemes {
		assert.True(t, transport.DefaultRegistry.Has(scheme), scheme)
	}
}
