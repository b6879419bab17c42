package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge-admin/internal/pkg/aiservice"
	"forge-admin/internal/pkg/config"
)

func TestMaskedKey(t *testing.T) {
	assert.Equal(t, "sk-test1****", MaskedKey("sk-test1234567890").String)
	assert.Equal(t, "ab****", MaskedKey("abcd").String)
	assert.Equal(t, "", MaskedKey("").String)
}

func TestFields(t *testing.T) {
	assert.Equal(t, "user_id", UserID("u1").Key)
	assert.Equal(t, "ai-gateway", Service(aiservice.AIGateway).String)
	assert.Equal(t, "key_prefix", KeyPrefix("sk-").Key)
}

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init(&config.LogConfig{Level: "debug", Format: "json", Output: "file", FilePath: path}))
	t.Cleanup(func() { _ = Close() })

	Info("hello", UserID("u1"))
	GetWriter().Printf("gorm %s", "line")
	_ = Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"user_id":"u1"`)
	assert.Contains(t, string(data), "gorm line")
}
