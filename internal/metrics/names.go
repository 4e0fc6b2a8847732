package metrics

// Metric names used across the bridge and scheduler.
const (
	ActiveTasks         = "metabot_active_tasks"
	TasksTotal          = "metabot_tasks_total"
	TasksByStatus       = "metabot_tasks_by_status"
	TaskDurationSeconds = "metabot_task_duration_seconds"
	TaskCostUSD         = "metabot_task_cost_usd"
	QueuedMessages      = "metabot_queued_messages"
	ScheduledFires      = "metabot_scheduled_fires_total"
)

// NewDefaultRegistry returns a registry with the core metrics described
// and histograms defined.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Describe(ActiveTasks, "Number of agent tasks currently running.")
	r.Describe(TasksTotal, "Total agent tasks started since process start.")
	r.Describe(TasksByStatus, "Terminal task count by status.")
	r.Describe(TaskDurationSeconds, "Agent task wall-clock duration.")
	r.Describe(TaskCostUSD, "Agent task reported cost in USD.")
	r.Describe(QueuedMessages, "Messages waiting behind a running task.")
	r.Describe(ScheduledFires, "Scheduler fires by outcome.")
	r.DefineHistogram(TaskDurationSeconds, []float64{1, 5, 15, 60, 300, 900, 3600})
	r.DefineHistogram(TaskCostUSD, []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10})
	return r
}
