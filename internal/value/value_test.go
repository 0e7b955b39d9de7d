package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) Value {
	t.Helper()
	v, err := Parse([]byte(s))
	require.NoError(t, err)
	return v
}

func TestParseKinds(t *testing.T) {
	v := mustParse(t, `{"a":1,"b":"x","c":[true,null],"d":{"e":1.5}}`)
	require.Equal(t, Object, v.Kind())

	a, ok := v.Field("a")
	require.True(t, ok)
	i, ok := a.AsInt64()
	assert.True(t, ok)
	assert.Equal(t, int64(1), i)

	c, _ := v.Field("c")
	assert.Equal(t, 2, c.Len())
	first, _ := c.Index(0)
	b, ok := first.AsBool()
	assert.True(t, ok && b)
	second, _ := c.Index(1)
	assert.True(t, second.IsNull())

	e, ok := v.Lookup(ParsePath("d.e"))
	require.True(t, ok)
	f, _ := e.AsFloat64()
	assert.Equal(t, 1.5, f)
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{} {}`))
	assert.Error(t, err)
	_, err = Parse([]byte(`{`))
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name  string
		a, b  string
		equal bool
	}{
		{"key order", `{"a":1,"b":2}`, `{"b":2,"a":1}`, true},
		{"int vs float literal", `{"n":1}`, `{"n":1.0}`, true},
		{"exponent", `{"n":1000}`, `{"n":1e3}`, true},
		{"different number", `{"n":1}`, `{"n":2}`, false},
		{"extra key", `{"a":1}`, `{"a":1,"b":2}`, false},
		{"nested", `{"m":{"x":[1,2]}}`, `{"m":{"x":[1,2]}}`, true},
		{"array order", `[1,2]`, `[2,1]`, false},
		{"array length", `[1,1,2]`, `[1,2]`, false},
		{"kind mismatch", `{"a":"1"}`, `{"a":1}`, false},
		{"null vs missing", `{"a":null}`, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, Equal(mustParse(t, tt.a), mustParse(t, tt.b)))
		})
	}
}

func TestContainsIsOneWay(t *testing.T) {
	sup := mustParse(t, `{"a":1,"b":{"c":2,"d":3}}`)
	sub := mustParse(t, `{"b":{"c":2}}`)
	assert.True(t, Contains(sup, sub))
	assert.False(t, Contains(sub, sup))
}

func TestWithoutLeavesOriginal(t *testing.T) {
	v := mustParse(t, `{"nuts":3,"metadata":{"scales":0.5,"keep":true}}`)

	masked := v.WithoutAll([]Path{ParsePath("nuts"), ParsePath("metadata.scales"), ParsePath("missing.path")})

	assert.Equal(t, `{"metadata":{"keep":true}}`, masked.String())
	assert.Equal(t, `{"metadata":{"keep":true,"scales":0.5},"nuts":3}`, v.String())
}

func TestWithoutThroughScalar(t *testing.T) {
	v := mustParse(t, `{"metadata":"flat"}`)
	assert.True(t, Equal(v, v.Without(ParsePath("metadata.scales"))))
}

func TestWithPathCreatesIntermediates(t *testing.T) {
	v := mustParse(t, `{"metadata":null,"x":1}`)
	out, err := v.WithPath(ParsePath("metadata._ingest.source"), StringValue("primary"))
	require.NoError(t, err)
	assert.Equal(t, `{"metadata":{"_ingest":{"source":"primary"}},"x":1}`, out.String())
	assert.Equal(t, `{"metadata":null,"x":1}`, v.String())

	_, err = mustParse(t, `{"x":1}`).WithPath(ParsePath("x.y"), NullValue())
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestCanonicalIsStable(t *testing.T) {
	a := mustParse(t, `{"z":"é<>","a":[1.0,2.50,{"k":null}]}`)
	b := mustParse(t, `{"a":[1,2.50,{"k":null}],"z":"é<>"}`)
	assert.Equal(t, string(a.Canonical()), string(b.Canonical()))
	assert.Equal(t, `{"a":[1,2.50,{"k":null}],"z":"é<>"}`, string(a.Canonical()))
}

func TestJSONRoundTripThroughStructs(t *testing.T) {
	type wrapper struct {
		Body Value `json:"body"`
	}
	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"body":{"b":2,"a":1}}`), &w))
	out, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":{"a":1,"b":2}}`, string(out))
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{"a": []any{1, int64(2), 3.5, "s", nil, true}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2,3.5,"s",null,true]}`, v.String())

	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}
