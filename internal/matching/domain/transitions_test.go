package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobTransitions(t *testing.T) {
	cases := []struct {
		from, to MatchingStatus
		allowed  bool
	}{
		{MatchingDisabled, MatchingScanning, true},
		{MatchingComplete, MatchingScanning, true},
		{MatchingFailed, MatchingScanning, true},
		{MatchingScanning, MatchingComplete, true},
		{MatchingScanning, MatchingFailed, true},
		{MatchingScanning, MatchingDisabled, false},
		{MatchingScanning, MatchingScanning, false},
		{MatchingComplete, MatchingFailed, false},
		{MatchingDisabled, MatchingFailed, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, JobTransitionAllowed(tc.from, tc.to))
		})
	}
}

func TestJobSources(t *testing.T) {
	assert.ElementsMatch(t, []MatchingStatus{MatchingDisabled, MatchingComplete, MatchingFailed}, JobSources(MatchingScanning))
	assert.Equal(t, []MatchingStatus{MatchingScanning}, JobSources(MatchingFailed))
}

func TestApplicationTransitions(t *testing.T) {
	assert.True(t, ApplicationTransitionAllowed(ApplicationGeneratingQuestions, ApplicationReady))
	assert.True(t, ApplicationTransitionAllowed(ApplicationFailed, ApplicationGeneratingQuestions))
	assert.True(t, ApplicationTransitionAllowed(ApplicationReady, ApplicationCompleted))
	assert.False(t, ApplicationTransitionAllowed(ApplicationCompleted, ApplicationFailed))
	assert.False(t, ApplicationTransitionAllowed(ApplicationFailed, ApplicationReady))

	assert.ElementsMatch(t, []ApplicationStatus{ApplicationGeneratingQuestions, ApplicationReady}, ApplicationSources(ApplicationFailed))
	assert.Empty(t, ApplicationSources(ApplicationStatus("UNKNOWN")))
}

func TestJobThresholdFallsBack(t *testing.T) {
	job := Job{}
	assert.Equal(t, 65, job.Threshold(65))
	assert.Equal(t, DefaultMatchThreshold, job.Threshold(0))

	v := 85
	job.AIMatchingThreshold = &v
	assert.Equal(t, 85, job.Threshold(65))
}

func TestParseApplicationStatus(t *testing.T) {
	st, err := ParseApplicationStatus(" ready ")
	assert.NoError(t, err)
	assert.Equal(t, ApplicationReady, st)

	_, err = ParseApplicationStatus("SCANNING")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
