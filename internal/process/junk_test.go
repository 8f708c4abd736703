package process

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpipe/pkg/models"
)

func junkTestMessage(sender, subject string) *models.SourceMessage {
	return &models.SourceMessage{
		ID:      "msg-1",
		Subject: subject,
		From: models.Recipient{
			EmailAddress: models.EmailAddress{Address: sender},
		},
	}
}

func TestJunkFilter_EmptyRuleAcceptsEverything(t *testing.T) {
	filter, err := NewJunkFilter("")
	require.NoError(t, err)

	junk, err := filter.IsJunk(context.Background(), junkTestMessage("anyone@example.com", "hello"))
	require.NoError(t, err)
	assert.False(t, junk)
}

func TestJunkFilter_MatchesSenderDomain(t *testing.T) {
	filter, err := NewJunkFilter(`sender.endsWith("@spam.example.com")`)
	require.NoError(t, err)

	junk, err := filter.IsJunk(context.Background(), junkTestMessage("Offers@Spam.Example.Com", "great deal"))
	require.NoError(t, err)
	assert.True(t, junk, "sender comparison is case-insensitive")

	junk, err = filter.IsJunk(context.Background(), junkTestMessage("billing@example.com", "invoice"))
	require.NoError(t, err)
	assert.False(t, junk)
}

func TestJunkFilter_CombinedRule(t *testing.T) {
	filter, err := NewJunkFilter(`sender.contains("noreply") && !has_attachments`)
	require.NoError(t, err)

	msg := junkTestMessage("noreply@example.com", "newsletter")
	junk, err := filter.IsJunk(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, junk)

	msg.HasAttachments = true
	junk, err = filter.IsJunk(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, junk)
}

func TestJunkFilter_RejectsInvalidRule(t *testing.T) {
	_, err := NewJunkFilter(`sender.`)
	assert.Error(t, err)
}

func TestJunkFilter_RejectsNonBoolRule(t *testing.T) {
	_, err := NewJunkFilter(`sender + subject`)
	assert.Error(t, err)
}
