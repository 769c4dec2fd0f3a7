package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatTitle(t *testing.T) {
	assert.NoError(t, ChatTitle("revenue of TCS FY24?"))
	assert.Error(t, ChatTitle(""))
	assert.Error(t, ChatTitle("   "))
	assert.Error(t, ChatTitle(strings.Repeat("a", 201)))
	assert.Error(t, ChatTitle("bad\x00title"))
}

func TestQuery(t *testing.T) {
	assert.NoError(t, Query("revenue of TCS FY24?"))
	assert.Error(t, Query(""))
	assert.Error(t, Query("   "))
}
