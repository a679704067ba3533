package validation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	Email       string `validate:"required,email"`
	DisplayName string `validate:"required,min=3"`
	Score       int    `validate:"gte=1,lte=5"`
}

func TestIssuesFromValidator(t *testing.T) {
	v := validator.New()
	err := v.Struct(sampleRequest{Email: "nope", DisplayName: "ab", Score: 9})
	require.Error(t, err)

	issues := Issues(err)
	require.Len(t, issues, 3)
	assert.Equal(t, Issue{Field: "email", Message: "must be a valid email address"}, issues[0])
	assert.Equal(t, Issue{Field: "display_name", Message: "must be at least 3 characters"}, issues[1])
	assert.Equal(t, Issue{Field: "score", Message: "must be less than or equal to 5"}, issues[2])
}

func TestIssuesFromMalformedJSON(t *testing.T) {
	var dst map[string]any
	err := json.Unmarshal([]byte("{"), &dst)
	require.Error(t, err)
	issues := Issues(err)
	require.Len(t, issues, 1)
	assert.Empty(t, issues[0].Field)
}

func TestIssuesFromPlainError(t *testing.T) {
	issues := Issues(errors.New("EOF"))
	assert.Equal(t, []Issue{{Message: "EOF"}}, issues)
}

func TestSummary(t *testing.T) {
	got := Summary([]Issue{{Field: "name", Message: "is required"}, {Message: "malformed JSON body"}})
	assert.Equal(t, "name is required; malformed JSON body", got)
}
