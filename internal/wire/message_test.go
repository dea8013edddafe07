package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseChildLineReady(t *testing.T) {
	line := []byte(`{"type":"ready","entities":[{"entityId":"e1","properties":[{"property":"illumination","features":["dimmable"]}]}]}`)

	msg, err := ParseChildLine(line)
	require.NoError(t, err)
	require.Equal(t, TypeReady, msg.Type)
	require.NotNil(t, msg.Ready)
	require.Len(t, msg.Ready.Entities, 1)
	require.Equal(t, "e1", msg.Ready.Entities[0].EntityID)
	require.Equal(t, []string{"dimmable"}, msg.Ready.Entities[0].Properties[0].Features)
}

func TestParseChildLineStateChanged(t *testing.T) {
	line := []byte(`{"type":"state_changed","entityId":"e1","property":"illumination","state":{"on":false}}`)

	msg, err := ParseChildLine(line)
	require.NoError(t, err)
	require.NotNil(t, msg.StateChanged)
	require.Equal(t, "e1", msg.StateChanged.EntityID)
	require.Nil(t, msg.StateChanged.PreviousState)
}

func TestParseChildLineUnknownType(t *testing.T) {
	_, err := ParseChildLine([]byte(`{"type":"not_a_real_type"}`))
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestParseChildLineInvalidJSON(t *testing.T) {
	_, err := ParseChildLine([]byte(`not json at all`))
	if err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestEncodeAppendsNewline(t *testing.T) {
	b, err := Encode(NewInit("demo-1", "demo", map[string]any{"k": "v"}))
	require.NoError(t, err)
	require.Equal(t, byte('\n'), b[len(b)-1])

	msg, err := ParseChildLine(b[:len(b)-1])
	_ = msg
	require.Error(t, err) // init is a parent->child type, not decodable as a ChildMessage
}
