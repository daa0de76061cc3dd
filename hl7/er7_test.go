package hl7

import (
	"errors"
	"strings"
	"testing"

	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleADT = "MSH|^~\\&|SendApp|SendFac|RecvApp|RecvFac|20190101120000||ADT^A01|MSG00001|P|2.4\r" +
	"PID|||123456||Doe^John\r"

func TestER7_Decode(t *testing.T) {
	msg, err := CodecFor(ER7).Decode([]byte(sampleADT))
	require.NoError(t, err)

	t.Run("header accessors", func(t *testing.T) {
		assert.Equal(t, "MSG00001", msg.ControlID())
		assert.Equal(t, "ADT", msg.MessageType())
		assert.Equal(t, "A01", msg.TriggerEvent())
		assert.Equal(t, "2.4", msg.Version())
		assert.Equal(t, "SendApp", msg.Get("MSH-3"))
	})

	t.Run("segment fields", func(t *testing.T) {
		require.Len(t, msg.Segments, 2)
		assert.Equal(t, "123456", msg.Get("PID-3"))
		assert.Equal(t, "Doe", msg.Get("PID-5-1"))
		assert.Equal(t, "John", msg.Get("PID-5-2"))
		assert.Empty(t, msg.Get("PID-5-3"))
		assert.Empty(t, msg.Get("PID-1"))
		assert.Empty(t, msg.Get("OBX-1"))
	})

	t.Run("delimiters from header", func(t *testing.T) {
		assert.Equal(t, DefaultDelimiters(), msg.Delimiters)
		assert.Equal(t, "|", msg.Get("MSH-1"))
		assert.Equal(t, "^~\\&", msg.Get("MSH-2"))
	})
}

func TestER7_RoundTrip(t *testing.T) {
	c := CodecFor(ER7)

	t.Run("re-encodes to the same text", func(t *testing.T) {
		msg, err := c.Decode([]byte(sampleADT))
		require.NoError(t, err)
		out, err := c.Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, strings.TrimSuffix(sampleADT, "\r"), string(out))
	})

	t.Run("LF and CRLF separators are accepted", func(t *testing.T) {
		want, err := c.Decode([]byte(sampleADT))
		require.NoError(t, err)
		for _, sep := range []string{"\n", "\r\n"} {
			got, err := c.Decode([]byte(strings.ReplaceAll(sampleADT, "\r", sep)))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("escape sequences", func(t *testing.T) {
		raw := "MSH|^~\\&|A|B|C|D|||ORU^R01|1|P|2.5\rNTE|||a\\F\\b\\S\\c\\E\\d\\T\\e\\R\\f"
		msg, err := c.Decode([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "a|b^c\\d&e~f", msg.Get("NTE-3"))

		out, err := c.Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, raw, string(out))
	})

	t.Run("formatting sequences are kept verbatim", func(t *testing.T) {
		raw := "MSH|^~\\&|A|B|C|D|||ORU^R01|1|P|2.5\rNTE|||\\H\\bold\\N\\"
		msg, err := c.Decode([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "\\H\\bold\\N\\", msg.Get("NTE-3"))

		out, err := c.Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, raw, string(out))
	})

	t.Run("hexadecimal sequences", func(t *testing.T) {
		raw := "MSH|^~\\&|A|B|C|D|||ORU^R01|1|P|2.5\rNTE|||line1\\X0D\\line2\\X0A\\end"
		msg, err := c.Decode([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "line1\rline2\nend", msg.Get("NTE-3"))

		out, err := c.Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, raw, string(out))
	})

	t.Run("line breaks in values stay inside the segment", func(t *testing.T) {
		msg, err := c.Decode([]byte("MSH|^~\\&|A|B|C|D|||ORU^R01|1|P|2.5\rNTE|1"))
		require.NoError(t, err)
		nte := msg.Segment("NTE")
		require.NotNil(t, nte)
		nte.SetField(3, NewField("first\r\nsecond"))
		nte.SetField(4, NewField(`C:\X41\`))

		out, err := c.Encode(msg)
		require.NoError(t, err)
		assert.NotContains(t, strings.TrimPrefix(string(out), "MSH"), "\rsecond")

		got, err := c.Decode(out)
		require.NoError(t, err)
		require.Len(t, got.Segments, 2)
		assert.Equal(t, "first\r\nsecond", got.Get("NTE-3"))
		assert.Equal(t, `C:\X41\`, got.Get("NTE-4"))
	})

	t.Run("custom delimiters", func(t *testing.T) {
		raw := "MSH*!#$%*App*Fac*****ADT!A01*42*P*2.3\rPID****Roe!Jane"
		msg, err := c.Decode([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, byte('*'), msg.Delimiters.Field)
		assert.Equal(t, "App", msg.Get("MSH-3"))
		assert.Equal(t, "A01", msg.TriggerEvent())
		assert.Equal(t, "Jane", msg.Get("PID-4-2"))

		out, err := c.Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, raw, string(out))
	})

	t.Run("trailing empty fields are dropped", func(t *testing.T) {
		msg, err := c.Decode([]byte("MSH|^~\\&|A|||||||1|P|2.5|||\rPID|1||||"))
		require.NoError(t, err)
		out, err := c.Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, "MSH|^~\\&|A|||||||1|P|2.5\rPID|1", string(out))
	})
}

func TestER7_DecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"blank lines only", "\r\n\r"},
		{"no MSH", "PID|1|2"},
		{"short header", "MSH|"},
		{"too few encoding characters", "MSH|^|A"},
		{"duplicate delimiters", "MSH|^^~\\|A"},
		{"invalid segment name", "MSH|^~\\&|A\rpid|1"},
		{"second MSH", "MSH|^~\\&|A\rMSH|^~\\&|B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := CodecFor(ER7).Decode([]byte(tt.input))
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, hl7err.ErrProtocol)

			var e *hl7err.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, len(tt.input), e.Length)
		})
	}
}
