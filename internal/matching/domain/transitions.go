package domain

// jobTransitions lists the statuses a job may move to from each status.
// SCANNING only resolves to a terminal status.
var jobTransitions = map[MatchingStatus][]MatchingStatus{
	MatchingDisabled: {MatchingScanning, MatchingComplete},
	MatchingComplete: {MatchingScanning, MatchingDisabled},
	MatchingFailed:   {MatchingScanning, MatchingComplete, MatchingDisabled},
	MatchingScanning: {MatchingComplete, MatchingFailed},
}

var applicationTransitions = map[ApplicationStatus][]ApplicationStatus{
	ApplicationGeneratingQuestions: {ApplicationReady, ApplicationFailed},
	ApplicationReady:               {ApplicationCompleted, ApplicationFailed},
	ApplicationFailed:              {ApplicationGeneratingQuestions},
}

func JobTransitionAllowed(from, to MatchingStatus) bool {
	return contains(jobTransitions[from], to)
}

// JobSources returns every status a job may enter to from.
func JobSources(to MatchingStatus) []MatchingStatus {
	var out []MatchingStatus
	for _, from := range []MatchingStatus{MatchingDisabled, MatchingScanning, MatchingComplete, MatchingFailed} {
		if JobTransitionAllowed(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func ApplicationTransitionAllowed(from, to ApplicationStatus) bool {
	return contains(applicationTransitions[from], to)
}

// ApplicationSources returns every status an application may enter to from.
func ApplicationSources(to ApplicationStatus) []ApplicationStatus {
	var out []ApplicationStatus
	for _, from := range []ApplicationStatus{ApplicationGeneratingQuestions, ApplicationReady, ApplicationCompleted, ApplicationFailed} {
		if ApplicationTransitionAllowed(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
