package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEmptyDocument(t *testing.T) {
	for _, doc := range [][]byte{nil, {}, []byte("")} {
		info, err := Decode(doc)
		require.NoError(t, err)
		assert.Empty(t, info.View)
		assert.Equal(t, Stable, info.ClusterState())
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	view := View{"A": Normal, "B": WaitingToJoin}
	doc, err := Encode(view)
	require.NoError(t, err)

	info, err := Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, view, info.View)
}

func TestDecodeUnknownLabelIsProtocolError(t *testing.T) {
	info, err := Decode([]byte(`{"A":"BOGUS_STATE"}`))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, info.View)
}

func TestDecodeMalformedJSONIsProtocolError(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestEncodeRefusesDeleteMe(t *testing.T) {
	_, err := Encode(View{"A": DeleteMe})
	require.Error(t, err)
}

func TestLocalStateAbsent(t *testing.T) {
	info, err := Decode([]byte(`{"A":"NORMAL"}`))
	require.NoError(t, err)
	assert.Equal(t, Normal, info.LocalState("A"))
	assert.Equal(t, Absent, info.LocalState("B"))
}

func TestClusterStatePredicateTable(t *testing.T) {
	cases := []struct {
		name string
		view View
		want State
	}{
		{"empty", View{}, Stable},
		{"all normal", View{"A": Normal, "B": Normal}, Stable},
		{"any error wins over joining", View{"A": Error, "B": WaitingToJoin}, UnstableError},
		{"joining", View{"A": Normal, "B": WaitingToJoin}, Joining},
		{"leaving", View{"A": Normal, "B": WaitingToLeave}, Leaving},
		{"reconfiguring", View{"A": Normal, "B": NormalConfigChanged}, Reconfiguring},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			info := Info{View: c.view}
			info2, err := Decode(mustEncode(t, c.view))
			require.NoError(t, err)
			assert.Equal(t, c.want, info2.ClusterState())
			_ = info // deriveState is exercised only via Decode; Info{} alone has no state set
		})
	}
}

func TestCanLeave(t *testing.T) {
	stable, err := Decode(mustEncode(t, View{"A": Normal}))
	require.NoError(t, err)
	assert.True(t, stable.CanLeave(false))

	joining, err := Decode(mustEncode(t, View{"A": Normal, "B": WaitingToJoin}))
	require.NoError(t, err)
	assert.False(t, joining.CanLeave(false))
	assert.True(t, joining.CanLeave(true))

	unstable, err := Decode(mustEncode(t, View{"A": Error}))
	require.NoError(t, err)
	assert.True(t, unstable.CanLeave(false))
}

func mustEncode(t *testing.T, v View) []byte {
	t.Helper()
	doc, err := Encode(v)
	require.NoError(t, err)
	return doc
}
