package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactJSONMasksSensitiveFields(t *testing.T) {
	raw := []byte(`{"creator_id":"cr_1","amount":5000,"bank":{"account_number":"123456789","routing_number":"021000021"},"email":"a@b.c","destination":"ach","notes":["ok"]}`)
	out := RedactJSON(raw)

	assert.Equal(t, "cr_1", out["creator_id"])
	assert.Equal(t, redacted, out["email"])
	assert.Equal(t, "ach", out["destination"])
	bank := out["bank"].(map[string]any)
	assert.Equal(t, redacted, bank["account_number"])
	assert.Equal(t, redacted, bank["routing_number"])
}

func TestRedactTruncatesLongStrings(t *testing.T) {
	out := Redact(map[string]any{"description": strings.Repeat("x", 2000)})
	assert.Len(t, out["description"].(string), maxStringLen+3)
}

func TestRedactJSONHandlesGarbage(t *testing.T) {
	assert.Equal(t, map[string]any{"_unparsed_bytes": 3}, RedactJSON([]byte("{{{")))
	assert.Equal(t, map[string]any{"_non_object": true}, RedactJSON([]byte("[1,2]")))
	assert.Empty(t, RedactJSON(nil))
}
