package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantOpaque bool
		wantKeys   []string
	}{
		{name: "flat object", raw: `{"1wd":300,"2wd":301}`, wantKeys: []string{"1wd", "2wd"}},
		{name: "nested under data", raw: `{"data":{"1wd":300,"1bh":"A-7"},"ts":1}`, wantKeys: []string{"1wd", "1bh"}},
		{name: "data that is not an object stays flat", raw: `{"data":"x","1wd":1}`, wantKeys: []string{"data", "1wd"}},
		{name: "malformed json", raw: `{"1wd":`, wantOpaque: true},
		{name: "plain text", raw: `furnace online`, wantOpaque: true},
		{name: "json array", raw: `[1,2,3]`, wantOpaque: true},
		{name: "empty", raw: ``, wantOpaque: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Normalize([]byte(tt.raw))
			assert.Equal(t, tt.wantOpaque, p.IsOpaque())
			if tt.wantOpaque {
				assert.Equal(t, tt.raw, p.Raw())
				return
			}
			assert.Equal(t, len(tt.wantKeys), p.Len())
			for _, k := range tt.wantKeys {
				_, ok := p.Value(k)
				assert.True(t, ok, "missing key %s", k)
			}
		})
	}
}

func TestFieldsKeepNullsAsNil(t *testing.T) {
	p := Normalize([]byte(`{"1wd":300.5,"2wd":null,"3wd":"298","1gl":0,"0wd":650,"1bh":"B12","2bh":42,"extra":true}`))
	f := p.Fields()

	require.NotNil(t, f.Temperatures[0])
	assert.Equal(t, 300.5, *f.Temperatures[0])
	assert.Nil(t, f.Temperatures[1], "null must not become zero")
	require.NotNil(t, f.Temperatures[2])
	assert.Equal(t, 298.0, *f.Temperatures[2])
	assert.Nil(t, f.Temperatures[3])

	require.NotNil(t, f.Powers[0])
	assert.Equal(t, 0.0, *f.Powers[0])
	require.NotNil(t, f.ProcessTemp)
	assert.Equal(t, 650.0, *f.ProcessTemp)

	require.NotNil(t, f.WorkItems[0])
	assert.Equal(t, "B12", *f.WorkItems[0])
	require.NotNil(t, f.WorkItems[1])
	assert.Equal(t, "42", *f.WorkItems[1])
	assert.Nil(t, f.WorkItems[2])

	_, ok := p.Value("extra")
	assert.True(t, ok, "unknown keys are preserved")
}

func TestAverageTemperature(t *testing.T) {
	avg, ok := Normalize([]byte(`{"1wd":300,"2wd":null,"3wd":310}`)).Fields().AverageTemperature()
	require.True(t, ok)
	assert.Equal(t, 305.0, avg)

	_, ok = OpaquePayload("x").Fields().AverageTemperature()
	assert.False(t, ok)
}

func TestReadingJSON(t *testing.T) {
	r := Reading{Timestamp: 1000, Topic: "t", Payload: Normalize([]byte(`{"data":{"1wd":300}}`))}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":1000,"topic":"t","payload":{"1wd":300}}`, string(b))

	var back Reading
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, Hash(r.Payload), Hash(back.Payload))

	opaque := Reading{Timestamp: 2, Topic: "t", Payload: OpaquePayload("not json")}
	b, err = json.Marshal(opaque)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":2,"topic":"t","payload":"not json"}`, string(b))

	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.Payload.IsOpaque())
	assert.Equal(t, "not json", back.Payload.Raw())

	assert.Error(t, json.Unmarshal([]byte(`{"payload":[1]}`), &back))
}

func TestValuesReturnsCopy(t *testing.T) {
	p := ObjectPayload(map[string]any{"1wd": 1.0})
	v := p.Values()
	v["1wd"] = 99.0
	assert.Equal(t, 1.0, *p.Number("1wd"))
}
