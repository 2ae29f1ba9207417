package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDefaultsPort(t *testing.T) {
	a, err := Parse("10.0.0.1", 4040, "")
	assert.NoError(t, err)
	assert.Equal(t, 4040, a.Port())
	assert.Equal(t, "10.0.0.1:4040", a.String())
}

func TestParseExplicitPort(t *testing.T) {
	a, err := Parse("10.0.0.1:9000", 4040, "")
	assert.NoError(t, err)
	assert.Equal(t, 9000, a.Port())
}

func TestParseIPv6(t *testing.T) {
	a, err := Parse("[::1]:4040", 0, "")
	assert.NoError(t, err)
	assert.Equal(t, 4040, a.Port())
	assert.Equal(t, ClassLoopback, a.Class())
}

func TestParseIPv6NoPort(t *testing.T) {
	a, err := Parse("[2001:db8::1]", 4040, "")
	assert.NoError(t, err)
	assert.Equal(t, 4040, a.Port())
	assert.Equal(t, ClassPublic, a.Class())
}

func TestParseEmptyFallsBackToDefaultHost(t *testing.T) {
	a, err := Parse("", 4040, "127.0.0.1")
	assert.NoError(t, err)
	assert.Equal(t, ClassLoopback, a.Class())
}

func TestParseEmptyNoDefaultFails(t *testing.T) {
	_, err := Parse("", 4040, "")
	assert.ErrorIs(t, err, ErrEmptyAddress)
}

func TestParseInvalidHost(t *testing.T) {
	_, err := Parse("not-an-ip:4040", 0, "")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestClassification(t *testing.T) {
	cases := []struct {
		addr string
		want Class
	}{
		{"127.0.0.1", ClassLoopback},
		{"10.1.2.3", ClassPrivate},
		{"172.16.0.5", ClassPrivate},
		{"192.168.1.1", ClassPrivate},
		{"8.8.8.8", ClassPublic},
	}
	for _, c := range cases {
		a, err := Parse(c.addr, 4040, "")
		assert.NoError(t, err)
		assert.Equalf(t, c.want, a.Class(), "classifying %s", c.addr)
	}
}

func TestEquality(t *testing.T) {
	a, _ := Parse("10.0.0.1:4040", 0, "")
	b, _ := Parse("10.0.0.1:4040", 0, "")
	c, _ := Parse("10.0.0.1:4041", 0, "")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestTotalOrderIsDeterministic(t *testing.T) {
	a, _ := Parse("10.0.0.1", 4040, "")
	b, _ := Parse("10.0.0.2", 4040, "")
	c, _ := Parse("10.0.0.3", 4040, "")

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, b.Less(a))

	addrs := []Address{c, a, b}
	SortAddresses(addrs)
	assert.True(t, addrs[0].Equal(a))
	assert.True(t, addrs[1].Equal(b))
	assert.True(t, addrs[2].Equal(c))
}

func TestIPv4SortsBeforeIPv6(t *testing.T) {
	v4, _ := Parse("255.255.255.255", 1, "")
	v6, _ := Parse("[::1]", 1, "")
	assert.True(t, v4.Less(v6))
}
