package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitURLList(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, SplitURLList(" http://a, ,http://b ,"))
	assert.Empty(t, SplitURLList(""))
}

func TestGetRPCURLForChain(t *testing.T) {
	t.Setenv("BASE_RPC_URL", "http://base-1,http://base-2")
	t.Setenv("ETH_RPC_URL", "http://eth")

	assert.Equal(t, "http://eth", GetRPCURLForChain("1"))
	assert.Contains(t, []string{"http://base-1", "http://base-2"}, GetRPCURLForChain("8453"))
	assert.Equal(t, "", GetRPCURLForChain("10"))
}
