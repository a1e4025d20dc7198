package stores

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	// Program restricts the listing to one program when set.
	Program string

	// ActiveOnly excludes exited tasks.
	ActiveOnly bool

	// FaultedOnly lists only tasks parked by a programming error.
	FaultedOnly bool

	Limit  int
	Offset int
}

// TaskStats is a point-in-time count of tasks by lifecycle state.
type TaskStats struct {
	Total   int64 `json:"total"`
	Ready   int64 `json:"ready"`
	Napping int64 `json:"napping"`
	Claimed int64 `json:"claimed"`
	Exited  int64 `json:"exited"`
	Faulted int64 `json:"faulted"`
}
