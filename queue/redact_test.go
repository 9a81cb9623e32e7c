package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactDetailsNoneLeavesValuesUntouched(t *testing.T) {
	in := map[string]any{"email": "a@example.com"}
	out := RedactDetails(in, RedactNone, nil)
	require.Equal(t, "a@example.com", out["email"])
}

func TestRedactDetailsMediumScrubsEmailNotLongStrings(t *testing.T) {
	in := map[string]any{
		"email": "person@example.com",
		"note":  "this note is deliberately longer than thirty two characters",
	}
	out := RedactDetails(in, RedactMedium, nil)
	require.Equal(t, redactedValue, out["email"])
	require.NotEqual(t, redactedValue, out["note"])
}

func TestRedactDetailsFullScrubsLongFreeText(t *testing.T) {
	in := map[string]any{"note": "this note is deliberately longer than thirty two characters"}
	out := RedactDetails(in, RedactFull, nil)
	require.Equal(t, redactedValue, out["note"])
}

func TestRedactDetailsDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"email": "a@example.com"}
	_ = RedactDetails(in, RedactMedium, nil)
	require.Equal(t, "a@example.com", in["email"], "RedactDetails must not mutate its input map")
}

func TestRedactDetailsPreservesNonStringValues(t *testing.T) {
	in := map[string]any{"priority": PriorityP1, "count": 3}
	out := RedactDetails(in, RedactFull, nil)
	require.Equal(t, PriorityP1, out["priority"])
	require.Equal(t, 3, out["count"])
}
