package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itr1Definition(t *testing.T) Definition {
	t.Helper()
	def, err := ParseDefinition([]byte(`{
		"form": "ITR-1",
		"fields": [
			{"path": "personalInfo", "type": "object", "required": true},
			{"path": "personalInfo.pan", "type": "string", "required": true},
			{"path": "salary.totalGrossSalary", "type": "number", "required": false},
			{"path": "houseProperty.selfOccupied", "type": "bool", "required": false}
		],
		"rules": [
			{
				"code": "ERR_ITR_102",
				"message": "house property requires loan interest and lender PAN",
				"field": "houseProperty",
				"requires": ["houseProperty.loanInterest", "houseProperty.lenderPan"]
			}
		]
	}`))
	require.NoError(t, err)
	return def
}

func TestValidateCleanDocument(t *testing.T) {
	doc := map[string]any{
		"personalInfo": map[string]any{"pan": "ABCDE1234F"},
		"salary":       map[string]any{"totalGrossSalary": 1500000.0},
	}
	assert.Empty(t, Validate(doc, itr1Definition(t)))
}

func TestValidateMissingRequired(t *testing.T) {
	errs := Validate(map[string]any{}, itr1Definition(t))
	require.Len(t, errs, 2)
	assert.Equal(t, "ERR_SCHEMA_MISSING", errs[0].Code)
	assert.Equal(t, "personalInfo", errs[0].Field)
}

func TestValidateWrongType(t *testing.T) {
	doc := map[string]any{
		"personalInfo": map[string]any{"pan": 12345},
	}
	errs := Validate(doc, itr1Definition(t))
	require.Len(t, errs, 1)
	assert.Equal(t, "ERR_SCHEMA_TYPE", errs[0].Code)
	assert.Equal(t, "personalInfo.pan", errs[0].Field)
}

func TestValidateCrossFieldRule(t *testing.T) {
	doc := map[string]any{
		"personalInfo":  map[string]any{"pan": "ABCDE1234F"},
		"houseProperty": map[string]any{"selfOccupied": true},
	}
	errs := Validate(doc, itr1Definition(t))
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, "ERR_ITR_102", e.Code)
	}

	// Satisfying the rule clears the errors.
	doc["houseProperty"] = map[string]any{
		"selfOccupied": true,
		"loanInterest": 200000.0,
		"lenderPan":    "HDFC0001234",
	}
	assert.Empty(t, Validate(doc, itr1Definition(t)))
}

func TestParseDefinitionRejectsGarbage(t *testing.T) {
	_, err := ParseDefinition([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseDefinition([]byte(`{"fields": []}`))
	assert.Error(t, err)
}
