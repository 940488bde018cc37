package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validJob() *Job {
	j := New("orders-api", time.Now())
	j.Recipients = []string{"a@example.com", "b@example.com"}
	j.TemplateName = "user_welcome"
	return j
}

func TestNewDefaults(t *testing.T) {
	j := New("billing", time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)))

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, PriorityMedium, j.Priority)
	assert.Equal(t, ProviderSMTP, j.Provider)
	assert.Equal(t, "billing", j.SubmittedBy)
	assert.Equal(t, time.UTC, j.SubmittedAt.Location())
	assert.Zero(t, j.AttemptCount)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Job)
		wantErr string
	}{
		{"valid", func(j *Job) {}, ""},
		{"empty recipients", func(j *Job) { j.Recipients = nil }, "at least one recipient"},
		{"bad address", func(j *Job) { j.Recipients = []string{"not-an-address"} }, "invalid recipient address"},
		{"display name rejected", func(j *Job) { j.Recipients = []string{"Bob <bob@example.com>"} }, "invalid recipient address"},
		{"missing template", func(j *Job) { j.TemplateName = "" }, "template_name is required"},
		{"missing submitter", func(j *Job) { j.SubmittedBy = "" }, "submitted_by is required"},
		{"unknown priority", func(j *Job) { j.Priority = "urgent" }, "unknown priority"},
		{"unknown provider", func(j *Job) { j.Provider = "postmark" }, "unknown provider"},
		{"negative attempts", func(j *Job) { j.AttemptCount = -1 }, "attempt_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := validJob()
			tt.mutate(j)
			err := j.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateTooManyRecipients(t *testing.T) {
	j := validJob()
	j.Recipients = nil
	for i := 0; i < MaxRecipients+1; i++ {
		j.Recipients = append(j.Recipients, "user@example.com")
	}
	err := j.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many recipients")
}

func TestValidateAllowsDuplicateRecipients(t *testing.T) {
	j := validJob()
	j.Recipients = []string{"dup@example.com", "dup@example.com"}
	assert.NoError(t, j.Validate())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	when := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	j := validJob()
	j.Subject = "Welcome aboard"
	j.TemplateContext = map[string]interface{}{"name": "Ada", "count": float64(3)}
	j.Priority = PriorityHigh
	j.Provider = ProviderSendGrid
	j.ScheduledFor = &when
	j.AttemptCount = 2

	data, err := j.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, j, got)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	j := validJob()
	assert.True(t, j.Due(now), "no schedule means due")

	j.ScheduledFor = &past
	assert.True(t, j.Due(now))

	j.ScheduledFor = &now
	assert.True(t, j.Due(now), "schedule equal to now is due")

	j.ScheduledFor = &future
	assert.False(t, j.Due(now))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	p, err = ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestParseProvider(t *testing.T) {
	k, err := ParseProvider("")
	require.NoError(t, err)
	assert.Empty(t, k)

	k, err = ParseProvider("aws_ses")
	require.NoError(t, err)
	assert.Equal(t, ProviderSES, k)

	_, err = ParseProvider("postmark")
	assert.Error(t, err)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	j := validJob()
	e := &DeadLetterEntry{
		JobID:             j.ID,
		Job:               j,
		FailureReason:     "mailbox does not exist",
		FinalAttemptCount: 3,
		MovedAt:           time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	data, err := e.Encode()
	require.NoError(t, err)

	got, err := DecodeDeadLetter(data)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}
