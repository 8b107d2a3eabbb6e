package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildInlineKeyboard(t *testing.T) {
	buttons := []Button{{Text: "1", CallbackData: "a"}, {Text: "2", CallbackData: "b"}, {Text: "3", URL: "https://pay"}}

	kb := BuildInlineKeyboard(buttons, 2)
	assert.Len(t, kb.InlineKeyboard, 2)
	assert.Len(t, kb.InlineKeyboard[0], 2)
	assert.Equal(t, "b", kb.InlineKeyboard[0][1].CallbackData)
	assert.Equal(t, "https://pay", kb.InlineKeyboard[1][0].URL)

	assert.Len(t, BuildInlineKeyboard(buttons, 0).InlineKeyboard, 3)
	assert.Empty(t, BuildInlineKeyboard(nil, 2).InlineKeyboard)
}
