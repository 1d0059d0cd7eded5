package hostport_test

import (
	"testing"

	"github.com/innogames/igvm/pkg/hostport"
	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port string
	}{
		{"", "", ""},
		{"hv1", "hv1", ""},
		{"hv1:11300", "hv1", "11300"},
		{"[fd00::1]", "fd00::1", ""},
		{"[fd00::1]:11300", "fd00::1", "11300"},
	}

	for _, test := range tests {
		host, port, err := hostport.Split(test.in)
		assert.NoError(t, err, test.in)
		assert.Equal(t, test.host, host, test.in)
		assert.Equal(t, test.port, port, test.in)
	}
}

func TestWithDefault(t *testing.T) {
	addr, err := hostport.WithDefault("hv1", "11300")
	assert.NoError(t, err)
	assert.Equal(t, "hv1:11300", addr)

	addr, err = hostport.WithDefault("hv1:11301", "11300")
	assert.NoError(t, err)
	assert.Equal(t, "hv1:11301", addr)
}
