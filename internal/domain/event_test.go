package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsedEventDecodesFractionalNumbers(t *testing.T) {
	testCases := []struct {
		desc     string
		payload  string
		leverage *int
		tp       *int
		close    *int
	}{
		{
			desc:     "floats with zero fraction",
			payload:  `{"message_type":"partial_close","symbol":"ETH","leverage":8.0,"tp_number":2.0,"close_percentage":50.0}`,
			leverage: intPtr(8),
			tp:       intPtr(2),
			close:    intPtr(50),
		},
		{
			desc:     "plain integers",
			payload:  `{"message_type":"new_signal","symbol":"ETH","leverage":10,"close_percentage":25}`,
			leverage: intPtr(10),
			close:    intPtr(25),
		},
		{
			desc:     "fractions round to nearest",
			payload:  `{"message_type":"partial_close","symbol":"ETH","close_percentage":33.5,"leverage":7.4}`,
			leverage: intPtr(7),
			close:    intPtr(34),
		},
		{
			desc:    "absent and null",
			payload: `{"message_type":"full_close","symbol":"ETH","leverage":null}`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var ev ParsedEvent
			require.NoError(t, json.Unmarshal([]byte(tc.payload), &ev))
			assert.Equal(t, tc.leverage, ev.IntLeverage())
			assert.Equal(t, tc.tp, ev.IntTPNumber())
			assert.Equal(t, tc.close, ev.IntClosePercentage())
		})
	}
}

func TestParsedEventStreamIDNotEncoded(t *testing.T) {
	b, err := json.Marshal(ParsedEvent{MessageType: MessageNewSignal, StreamID: "5-0"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "5-0")
}

func TestWholeNumberOutOfRange(t *testing.T) {
	huge := 1e12
	assert.Nil(t, wholeNumber(&huge))
	assert.Nil(t, wholeNumber(nil))
}

func intPtr(v int) *int { return &v }
