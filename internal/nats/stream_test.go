package nats

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/chat-assistant/internal/model"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "conv.user-1.c1.msg.user", MessageSubject("user-1", "c1", model.RoleUser))
	assert.Equal(t, "conv.203_0_113_7.c1.msg.assistant", MessageSubject("203.0.113.7", "c1", model.RoleAssistant))
	assert.Equal(t, "conv.user-1.c1.>", ConversationFilter("user-1", "c1"))
	assert.Equal(t, "conv.user-1.c1.msg.>", MessageFilter("user-1", "c1"))
	assert.Equal(t, "conv._.c1.msg.>", MessageFilter("", "c1"))
	assert.Equal(t, "conv.a_b_c.c1.>", ConversationFilter("a*b>c", "c1"))
}

func TestDuplicateSequences(t *testing.T) {
	stored := []storedMessage{
		{seq: 1, msg: model.Message{Role: model.RoleUser, Content: "2+2?"}},
		{seq: 2, msg: model.Message{Role: model.RoleUser, Content: "2+2?"}},
		{seq: 3, msg: model.Message{Role: model.RoleAssistant, Content: "4"}},
		{seq: 5, msg: model.Message{Role: model.RoleAssistant, Content: "4"}},
		{seq: 6, msg: model.Message{Role: model.RoleAssistant, Content: "four"}},
		{seq: 7, msg: model.Message{Role: model.RoleUser, Content: "4"}},
	}

	assert.Equal(t, []uint64{2, 5}, duplicateSequences(stored))
	assert.Empty(t, duplicateSequences(stored[:1]))
	assert.Empty(t, duplicateSequences(nil))
}

func TestQuotaKey(t *testing.T) {
	valid := regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)
	for _, key := range []string{"anon:203.0.113.7", "anon:2001:db8::1", "anon:browser id with spaces"} {
		assert.Regexp(t, valid, quotaKey(key))
	}
	assert.NotEqual(t, quotaKey("anon:a"), quotaKey("anon:b"))
}
