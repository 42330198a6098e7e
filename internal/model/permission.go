package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionQuizzesRead allows viewing quiz results.
	PermissionQuizzesRead Permission = "quizzes:read"

	// PermissionQuizzesMonitor allows watching live attempts of a quiz.
	PermissionQuizzesMonitor Permission = "quizzes:monitor"

	// PermissionQuizzesPublish allows reloading a published quiz into the cache.
	PermissionQuizzesPublish Permission = "quizzes:publish"
)
