package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, p *ArrayParser, chunks ...string) []string {
	t.Helper()
	var out []string
	for _, chunk := range chunks {
		objs, err := p.Feed([]byte(chunk))
		require.NoError(t, err)
		for _, obj := range objs {
			out = append(out, string(obj))
		}
	}
	return out
}

func TestArrayParserWholeArray(t *testing.T) {
	p := &ArrayParser{}
	got := feedAll(t, p, `[{"a":1},{"b":2}]`)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, got)
	assert.False(t, p.Pending())
}

func TestArrayParserSplitAcrossChunks(t *testing.T) {
	p := &ArrayParser{}
	got := feedAll(t, p, `[{"text":"he`, `llo"},`, `{"text":`, `"world"}]`)
	assert.Equal(t, []string{`{"text":"hello"}`, `{"text":"world"}`}, got)
}

func TestArrayParserBytewise(t *testing.T) {
	p := &ArrayParser{}
	input := `[ {"a":{"b":[1,2]}} , {"c":null} ]`
	var got []string
	for i := 0; i < len(input); i++ {
		got = append(got, feedAll(t, p, input[i:i+1])...)
	}
	assert.Equal(t, []string{`{"a":{"b":[1,2]}}`, `{"c":null}`}, got)
}

func TestArrayParserBracesInsideStrings(t *testing.T) {
	p := &ArrayParser{}
	got := feedAll(t, p, `[{"t":"}{]["},{"u":"say \"hi\" {"}]`)
	assert.Equal(t, []string{`{"t":"}{]["}`, `{"u":"say \"hi\" {"}`}, got)
}

func TestArrayParserEscapedBackslashBeforeQuote(t *testing.T) {
	p := &ArrayParser{}
	got := feedAll(t, p, `[{"path":"C:\\"},{"x":1}]`)
	assert.Equal(t, []string{`{"path":"C:\\"}`, `{"x":1}`}, got)
}

func TestArrayParserLeadingWhitespace(t *testing.T) {
	p := &ArrayParser{}
	got := feedAll(t, p, "  \r\n\t[\n  {\"a\":1}\n]\n")
	assert.Equal(t, []string{`{"a":1}`}, got)
}

func TestArrayParserGarbageBeforeArray(t *testing.T) {
	p := &ArrayParser{}
	_, err := p.Feed([]byte(`x[{"a":1}]`))
	assert.Error(t, err)
}

func TestArrayParserGarbageBetweenElements(t *testing.T) {
	p := &ArrayParser{}
	_, err := p.Feed([]byte(`[{"a":1} x {"b":2}]`))
	assert.Error(t, err)
}

func TestArrayParserPending(t *testing.T) {
	p := &ArrayParser{}
	got := feedAll(t, p, `[{"a":1},{"b":`)
	assert.Equal(t, []string{`{"a":1}`}, got)
	assert.True(t, p.Pending())
	got = feedAll(t, p, `2}]`)
	assert.Equal(t, []string{`{"b":2}`}, got)
	assert.False(t, p.Pending())
}
