package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStableUnderReorder(t *testing.T) {
	a := []IndexRow{
		{ParamName: "status", Family: FamilyToken, TokenSystem: "sys", TokenCode: "active"},
		{ParamName: "name", Family: FamilyString, StringValue: "jones"},
	}
	b := []IndexRow{a[1], a[0]}

	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithValue(t *testing.T) {
	a := []IndexRow{{ParamName: "status", Family: FamilyToken, TokenSystem: "sys", TokenCode: "active"}}
	b := []IndexRow{{ParamName: "status", Family: FamilyToken, TokenSystem: "sys", TokenCode: "inactive"}}

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithNumericValue(t *testing.T) {
	a := []IndexRow{{ParamName: "count", Family: FamilyNumeric, NumericValue: 1}}
	b := []IndexRow{{ParamName: "count", Family: FamilyNumeric, NumericValue: 2}}

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithQuantityValue(t *testing.T) {
	a := []IndexRow{{ParamName: "weight", Family: FamilyQuantity, QuantityValue: 70, QuantitySystem: "http://unitsofmeasure.org", QuantityCode: "kg"}}
	b := []IndexRow{{ParamName: "weight", Family: FamilyQuantity, QuantityValue: 71, QuantitySystem: "http://unitsofmeasure.org", QuantityCode: "kg"}}

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintLength(t *testing.T) {
	fp := Fingerprint(nil)
	assert.Len(t, fp, 16)
}

func TestRecordCurrent(t *testing.T) {
	r := &Record{Version: 3, IsDeleted: false, LastModified: time.Now()}
	assert.True(t, r.Current(3))
	assert.False(t, r.Current(2))

	r.IsDeleted = true
	assert.False(t, r.Current(3))
}
