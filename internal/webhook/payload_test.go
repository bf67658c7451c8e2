package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "events wrapper", body: `{"events":[{"signature":"a"},{"signature":"b"}]}`, want: 2},
		{name: "bare array", body: `[{"signature":"a"}]`, want: 1},
		{name: "empty events", body: `{"events":[]}`, want: 0},
		{name: "whitespace", body: "  \n[]", want: 0},
		{name: "empty body", body: "", wantErr: true},
		{name: "missing events", body: `{"signature":"a"}`, wantErr: true},
		{name: "not json", body: `hello`, wantErr: true},
		{name: "truncated", body: `{"events":[`, wantErr: true},
		{name: "wrong shape", body: `{"events":"nope"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs, err := ParsePayload([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Len(t, txs, tt.want)
		})
	}
}

func TestParsePayload_Fields(t *testing.T) {
	body := `[{
		"signature": "5sig",
		"timestamp": 1700000000,
		"feePayer": "payer",
		"instructions": [{
			"programId": "prog",
			"accounts": ["a", "b"],
			"data": "3Bxs",
			"innerInstructions": [{"programId": "prog", "accounts": [], "data": "1"}]
		}],
		"nativeTransfers": [{"fromUserAccount": "a", "toUserAccount": "b", "amount": 42}],
		"accountData": [{"account": "b", "nativeBalanceChange": -7}],
		"transactionError": null
	}]`

	txs, err := ParsePayload([]byte(body))
	require.NoError(t, err)
	require.Len(t, txs, 1)

	tx := txs[0]
	assert.Equal(t, "5sig", tx.Signature)
	assert.Equal(t, "prog", tx.Instructions[0].ProgramID)
	assert.Len(t, tx.Instructions[0].InnerInstructions, 1)
	assert.Equal(t, uint64(42), tx.NativeTransfers[0].Amount)
	assert.Equal(t, int64(-7), tx.AccountData[0].NativeBalanceChange)
	assert.False(t, tx.Failed())
}

func TestTransaction_Failed(t *testing.T) {
	assert.False(t, (&Transaction{}).Failed())
	assert.False(t, (&Transaction{TransactionError: json.RawMessage(" null ")}).Failed())
	assert.True(t, (&Transaction{TransactionError: json.RawMessage(`"err"`)}).Failed())
}

func TestTransaction_TimestampMillis(t *testing.T) {
	now := time.UnixMilli(1_700_000_123_456)

	assert.Equal(t, int64(1_700_000_000_000), (&Transaction{Timestamp: 1_700_000_000}).TimestampMillis(now))
	assert.Equal(t, int64(1_700_000_000_500), (&Transaction{Timestamp: 1_700_000_000_500}).TimestampMillis(now))
	assert.Equal(t, now.UnixMilli(), (&Transaction{}).TimestampMillis(now))
}
