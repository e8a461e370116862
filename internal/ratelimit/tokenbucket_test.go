package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketAllowsUpToCapacity(t *testing.T) {
	b := NewBucket(3, 1)

	assert.True(t, b.Allow(1))
	assert.True(t, b.Allow(1))
	assert.True(t, b.Allow(1))
	assert.False(t, b.Allow(1))
}

func TestBucketRejectsOversizedRequest(t *testing.T) {
	b := NewBucket(2, 1)
	assert.False(t, b.Allow(5))
}
