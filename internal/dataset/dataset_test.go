package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRectClamp(t *testing.T) {
	tests := []struct {
		name string
		in   Rect
		want Rect
	}{
		{"inside", Rect{10, 10, 20, 20}, Rect{10, 10, 20, 20}},
		{"left overflow", Rect{-5, 0, 20, 10}, Rect{0, 0, 15, 10}},
		{"right overflow", Rect{90, 90, 20, 20}, Rect{90, 90, 10, 10}},
		{"fully outside", Rect{150, 10, 10, 10}, Rect{100, 10, 0, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Clamp(100, 100)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got.X, 0.0)
			assert.LessOrEqual(t, got.X+got.Width, 100.0)
		})
	}
}

func TestIsPersonClass(t *testing.T) {
	assert.True(t, IsPersonClass("Person"))
	assert.True(t, IsPersonClass("person"))
	assert.False(t, IsPersonClass("Welding"))
}

func TestIsGenericClass(t *testing.T) {
	assert.Len(t, COCOClasses, 80)
	assert.True(t, IsGenericClass("Person"))
	assert.True(t, IsGenericClass("Traffic light"))
	assert.False(t, IsGenericClass("Welding"))
}

func TestClipRenumber(t *testing.T) {
	c := Clip{Name: "v_clip001", Frames: []*Frame{{Number: 7}, {Number: 9}}}
	c.Renumber()
	assert.Equal(t, 1, c.Frames[0].Number)
	assert.Equal(t, 2, c.Frames[1].Number)
	assert.Equal(t, "v_clip001", c.Frames[1].Clip)
}
