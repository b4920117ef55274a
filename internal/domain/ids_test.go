package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePAN(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		pan, err := ParsePAN("ABCDE1234F")
		require.NoError(t, err)
		assert.Equal(t, PAN("ABCDE1234F"), pan)
	})

	t.Run("lowercase is normalized", func(t *testing.T) {
		pan, err := ParsePAN(" abcde1234f ")
		require.NoError(t, err)
		assert.Equal(t, PAN("ABCDE1234F"), pan)
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		for _, bad := range []string{"", "ABCDE1234", "1BCDE1234F", "ABCDE12345", "ABCDE1234FX"} {
			_, err := ParsePAN(bad)
			assert.Error(t, err, "expected %q to be rejected", bad)
		}
	})
}

func TestParseAssessmentYear(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		ay, err := ParseAssessmentYear("2024-25")
		require.NoError(t, err)
		assert.Equal(t, AssessmentYear("2024-25"), ay)
	})

	t.Run("rejects non consecutive years", func(t *testing.T) {
		_, err := ParseAssessmentYear("2024-26")
		assert.Error(t, err)
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		for _, bad := range []string{"", "2024", "24-25", "2024/25"} {
			_, err := ParseAssessmentYear(bad)
			assert.Error(t, err, "expected %q to be rejected", bad)
		}
	})

	t.Run("century rollover", func(t *testing.T) {
		_, err := ParseAssessmentYear("2099-00")
		assert.NoError(t, err)
	})
}

func TestFilingKeyString(t *testing.T) {
	k := FilingKey{PAN: "ABCDE1234F", AssessmentYear: "2024-25"}
	assert.Equal(t, "ABCDE1234F/2024-25", k.String())
}
