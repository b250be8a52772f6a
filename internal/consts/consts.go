// Package consts holds keys shared between the hub components.
package consts

const (
	// TasksKeyPrefix namespaces the per-project collection cache in Redis.
	TasksKeyPrefix = "tasks:"

	// ChangeFeedChannel is the Redis pub/sub channel carrying task
	// change events between hub instances.
	ChangeFeedChannel = "task-changes"
)
