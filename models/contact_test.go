package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasTagCaseInsensitive(t *testing.T) {
	c := &Contact{Tags: []string{"VIP", " lead "}}

	assert.True(t, c.HasTag("vip"))
	assert.True(t, c.HasTag("LEAD"))
	assert.False(t, c.HasTag("customer"))
}

func TestAddTag(t *testing.T) {
	c := &Contact{}

	assert.True(t, c.AddTag("vip"))
	assert.False(t, c.AddTag("VIP")) // already present, different case
	assert.False(t, c.AddTag(""))
	assert.False(t, c.AddTag("  "))
	assert.Equal(t, []string{"vip"}, c.Tags)
}

func TestRemoveTag(t *testing.T) {
	c := &Contact{Tags: []string{"vip", "Lead", "lead"}}

	assert.True(t, c.RemoveTag("LEAD"))
	assert.Equal(t, []string{"vip"}, c.Tags)
	assert.False(t, c.RemoveTag("lead"))
}
