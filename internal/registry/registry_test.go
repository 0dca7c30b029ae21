package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeKnownRegister(t *testing.T) {
	assert.Equal(t, "register 64 (charge rate limit) = 50", Describe(64, 50))
}

func TestDescribeUnknownRegisterFallsBackToGenericForm(t *testing.T) {
	assert.Equal(t, "register 9999 = 1", Describe(9999, 1))
}

func TestDescribeControlBitsReportsOnlySetFlags(t *testing.T) {
	value := uint16(1<<6 | 1<<10)
	got := DescribeControlBits(value)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "charge_priority")
	assert.Contains(t, got, "forced_discharge")
	assert.NotContains(t, got, "ac_charge")
}

func TestDescribeControlBitsNoFlagsSetReturnsEmpty(t *testing.T) {
	assert.Empty(t, DescribeControlBits(0))
}
