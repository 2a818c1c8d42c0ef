package pulsar

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commlink-io/commlink-go/contracts"
)

func TestTopicsPattern(t *testing.T) {
	t.Run("wildcards translate to regex", func(t *testing.T) {
		tests := []struct {
			filter  string
			topic   string
			matches bool
		}{
			{"sensors.temp", "sensors.temp", true},
			{"sensors.temp", "sensors.temperature", false},
			{"sensors.*", "sensors.temp", true},
			{"sensors.*", "sensors.a.b", false},
			{"sensors.#", "sensors.a.b", true},
			{"#", "anything.at.all", true},
		}
		for _, tc := range tests {
			re, err := regexp.Compile("^" + topicsPattern(tc.filter) + "$")
			require.NoError(t, err, tc.filter)
			assert.Equal(t, tc.matches, re.MatchString(tc.topic),
				"filter %q against %q", tc.filter, tc.topic)
		}
	})

	t.Run("literal dots stay literal", func(t *testing.T) {
		re := regexp.MustCompile("^" + topicsPattern("a.b") + "$")
		assert.False(t, re.MatchString("aXb"))
	})
}

func TestToMessage(t *testing.T) {
	env := &contracts.Envelope{
		Payload:         []byte{0x01, 0x02},
		ContentType:     contracts.ContentTypeBytes,
		ContentEncoding: "binary",
		Timestamp:       1700000000123,
		CorrelationID:   "c1",
		ReplyTo:         "q1",
		MessageID:       "m1",
		AppID:           "app",
		DeliveryMode:    2,
	}

	msg := toMessage(env)

	assert.Equal(t, []byte{0x01, 0x02}, msg.Payload)
	assert.Equal(t, contracts.ContentTypeBytes, msg.Properties[propContentType])
	assert.Equal(t, "binary", msg.Properties[propContentEncoding])
	assert.Equal(t, "1700000000123", msg.Properties[propTimestamp])
	assert.Equal(t, "c1", msg.Properties[propCorrelationID])
	assert.Equal(t, "q1", msg.Properties[propReplyTo])
	assert.Equal(t, "m1", msg.Properties[propMessageID])
	assert.Equal(t, "app", msg.Properties[propAppID])
	assert.Equal(t, "2", msg.Properties[propDeliveryMode])

	t.Run("empty attributes are omitted", func(t *testing.T) {
		minimal := toMessage(&contracts.Envelope{
			Payload:     []byte("x"),
			ContentType: contracts.ContentTypeText,
			Timestamp:   1,
		})
		assert.NotContains(t, minimal.Properties, propCorrelationID)
		assert.NotContains(t, minimal.Properties, propReplyTo)
		assert.NotContains(t, minimal.Properties, propDeliveryMode)
	})
}
