package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"securelog-core/pkg/types"
)

func TestMask_Disabled_PassesThrough(t *testing.T) {
	m := New(false, DefaultPatterns)
	rec := &types.LogRecord{Message: "ssn 123-45-6789"}
	out := m.Mask(rec)
	assert.Same(t, rec, out)
}

func TestMask_RRN_ExactLength(t *testing.T) {
	m := New(true, DefaultPatterns)
	rec := &types.LogRecord{Message: "id is 901231-1234567"}
	out := m.Mask(rec)
	assert.Equal(t, "id is 901231-*******", out.Message)
}

func TestMask_CreditCard_KeepsLastFourDigits(t *testing.T) {
	m := New(true, DefaultPatterns)
	rec := &types.LogRecord{Message: "card 1234-5678-9012-3456"}
	out := m.Mask(rec)
	assert.Equal(t, "card ****-****-****-3456", out.Message)
}

func TestMask_SSN_ExactLength(t *testing.T) {
	m := New(true, DefaultPatterns)
	rec := &types.LogRecord{Message: "ssn 123-45-6789"}
	out := m.Mask(rec)
	assert.Equal(t, "ssn ***-**-6789", out.Message)
}

func TestMask_PayloadKeyAlias(t *testing.T) {
	m := New(true, DefaultPatterns)
	rec := &types.LogRecord{
		Message: "login",
		Payload: map[string]interface{}{
			"pwd":        "hunter2",
			"cardNumber": "4111-1111-1111-1111",
			"note":       "ssn 123-45-6789 on file",
		},
	}
	out := m.Mask(rec)
	assert.Equal(t, "********", out.Payload["pwd"])
	assert.Equal(t, "****-****-****-1111", out.Payload["cardNumber"])
	assert.Equal(t, "ssn ***-**-6789 on file", out.Payload["note"])
}

func TestMask_NestedPayload(t *testing.T) {
	m := New(true, DefaultPatterns)
	rec := &types.LogRecord{
		Payload: map[string]interface{}{
			"user": map[string]interface{}{
				"pwd": "s3cr3t",
			},
			"count": 3,
		},
	}
	out := m.Mask(rec)
	nested := out.Payload["user"].(map[string]interface{})
	assert.Equal(t, "********", nested["pwd"])
	assert.Equal(t, 3, out.Payload["count"])
}

func TestMask_PartialPatternSubset_OnlyMasksEnabledCategories(t *testing.T) {
	m := New(true, []string{"password"})
	rec := &types.LogRecord{
		Message: "ssn 123-45-6789",
		Payload: map[string]interface{}{
			"pwd":        "hunter2",
			"cardNumber": "4111-1111-1111-1111",
		},
	}
	out := m.Mask(rec)
	assert.Equal(t, "ssn 123-45-6789", out.Message, "ssn pattern must be left alone when not enabled")
	assert.Equal(t, "********", out.Payload["pwd"])
	assert.Equal(t, "4111-1111-1111-1111", out.Payload["cardNumber"], "credit_card must be left alone when not enabled")
}

func TestMask_OriginalRecordUntouched(t *testing.T) {
	m := New(true, DefaultPatterns)
	rec := &types.LogRecord{
		Message: "ssn 123-45-6789",
		Payload: map[string]interface{}{"pwd": "hunter2"},
	}
	m.Mask(rec)
	assert.Equal(t, "ssn 123-45-6789", rec.Message)
	assert.Equal(t, "hunter2", rec.Payload["pwd"])
}
