package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	t.Run("same payload and capabilities in different order match", func(t *testing.T) {
		a := Fingerprint([]byte("hello"), []string{"document-analysis", "risk-assessment"})
		b := Fingerprint([]byte("hello"), []string{"risk-assessment", "document-analysis"})
		assert.Equal(t, a, b)
	})

	t.Run("different payload does not match", func(t *testing.T) {
		a := Fingerprint([]byte("hello"), []string{"document-analysis"})
		b := Fingerprint([]byte("world"), []string{"document-analysis"})
		assert.NotEqual(t, a, b)
	})

	t.Run("different capability set does not match", func(t *testing.T) {
		a := Fingerprint([]byte("hello"), []string{"document-analysis"})
		b := Fingerprint([]byte("hello"), []string{"pattern-detection"})
		assert.NotEqual(t, a, b)
	})

	t.Run("empty capability set is legal", func(t *testing.T) {
		assert.NotPanics(t, func() {
			Fingerprint([]byte("hello"), nil)
		})
	})
}

func TestNewRequestID(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestStableHash(t *testing.T) {
	type payload struct {
		Model string
		Tags  []string
	}

	h1, err := StableHash(payload{Model: "m", Tags: []string{"a", "b"}})
	assert.NoError(t, err)

	h2, err := StableHash(payload{Model: "m", Tags: []string{"a", "b"}})
	assert.NoError(t, err)

	assert.Equal(t, h1, h2)
}
