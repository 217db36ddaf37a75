package errors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsKindAndCause(t *testing.T) {
	err := Wrap(ErrIO, "extract", "opening_scroll_b.png", io.ErrShortWrite)

	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, errors.Is(err, io.ErrShortWrite))
	assert.False(t, errors.Is(err, ErrDecode))
	assert.Equal(t, "extract opening_scroll_b.png: i/o failed: short write", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrOpen, "open", "", nil))
}

func TestWrapSameKindIsNotDoubled(t *testing.T) {
	inner := New(ErrRange, "getStream", "", "offset %d", 10)
	outer := Wrap(ErrRange, "extract", "x", inner)

	assert.Same(t, inner, outer)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", io.EOF, nil},
		{"decode", New(ErrDecode, "decode", "a", "bad"), ErrDecode},
		{"wrapped", Wrap(ErrValidation, "put", "a", io.EOF), ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
