package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsFloat(t *testing.T) {
	tests := []struct {
		in     any
		want   float64
		wantOk bool
	}{
		{1.5, 1.5, true},
		{int64(3), 3, true},
		{" 40.75 ", 40.75, true},
		{"abc", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := AsFloat(tt.in)
		assert.Equal(t, tt.wantOk, ok, "%v", tt.in)
		assert.InDelta(t, tt.want, got, 1e-9)
	}
}

func TestAsInt(t *testing.T) {
	v, ok := AsInt(int64(25))
	assert.True(t, ok)
	assert.Equal(t, 25, v)
	v, ok = AsInt(30.0)
	assert.True(t, ok)
	assert.Equal(t, 30, v)
	_, ok = AsInt(30.5)
	assert.False(t, ok)
	v, ok = AsInt("35")
	assert.True(t, ok)
	assert.Equal(t, 35, v)
}

func TestAsStringAndField(t *testing.T) {
	s, ok := AsString(int64(17))
	assert.True(t, ok)
	assert.Equal(t, "17", s)
	_, ok = AsString(nil)
	assert.False(t, ok)

	obj := map[string]any{"a": "b"}
	v, ok := Field(obj, "a")
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	_, ok = Field([]any{}, "a")
	assert.False(t, ok)
}
