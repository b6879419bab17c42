package platformkey

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forge-admin/internal/pkg/aiservice"
)

func TestRegistry(t *testing.T) {
	r := New(map[string]string{
		"openai":     "sk-platform-0000",
		"ANTHROPIC":  " sk-ant-platform ",
		"meshy":      "   ",
		"midjourney": "ignored",
	})

	key, ok := r.Get(aiservice.OpenAI)
	assert.True(t, ok)
	assert.Equal(t, "sk-platform-0000", key)

	key, ok = r.Get(aiservice.Anthropic)
	assert.True(t, ok)
	assert.Equal(t, "sk-ant-platform", key)

	assert.False(t, r.Has(aiservice.Meshy))
	assert.NotContains(t, r.Missing(), aiservice.OpenAI)
	assert.Contains(t, r.Missing(), aiservice.Meshy)
	assert.Len(t, r.Missing(), len(aiservice.All())-2)
}

func TestRegistry_Nil(t *testing.T) {
	var r *Registry
	_, ok := r.Get(aiservice.OpenAI)
	assert.False(t, ok)
	assert.Len(t, New(nil).Missing(), len(aiservice.All()))
}
