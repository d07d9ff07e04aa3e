package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
)

func TestFlatten_ExtractsNestedRecordsArray(t *testing.T) {
	raw := []byte(`{"code":0,"data":{"secu_quote":[{"symbol":"700.HK","last_done":"385.6"}]}}`)

	value, err := Flatten(raw, "data.secu_quote")
	require.NoError(t, err)

	records, ok := value.([]interface{})
	require.True(t, ok)
	require.Len(t, records, 1)

	record, ok := records[0].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "700.HK", record["symbol"])
	require.Equal(t, "385.6", record["last_done"])
}

func TestFlatten_EmptyPathReturnsWholeDocument(t *testing.T) {
	raw := []byte(`{"code":0,"msg":"ok"}`)
	value, err := Flatten(raw, "")
	require.NoError(t, err)
	doc, ok := value.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(0), doc["code"])
	require.Equal(t, "ok", doc["msg"])
}

func TestFlatten_MissingPathReturnsError(t *testing.T) {
	raw := []byte(`{"code":0}`)
	_, err := Flatten(raw, "data.secu_quote")
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.CodeRuleNotFound))
}
