package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

const (
	// TopicTaskLog carries captured tool output lines for a running task.
	TopicTaskLog Topic = "tasks.log"
	// TopicTaskStatus carries per-device task state transitions.
	TopicTaskStatus Topic = "tasks.status"
	// TopicBatchLifecycle carries batch start/finish/cancel events.
	TopicBatchLifecycle Topic = "batch.lifecycle"
	// TopicDeviceMode carries observed device mode changes.
	TopicDeviceMode Topic = "devices.mode"
)

// Source describes which component produced an event.
type Source string

const (
	SourceOrchestrator Source = "orchestrator"
	SourceTransition   Source = "transition"
	SourceAdapter      Source = "adapter"
	SourceDetector     Source = "detector"
	SourceBuilder      Source = "builder"
	SourceUnknown      Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// TaskLogEvent is one chunk of captured tool output attributed to a task.
type TaskLogEvent struct {
	BatchID  string
	TaskID   string
	DeviceID string
	Sequence uint64
	Line     string
}

// TaskStatusEvent records a per-device task state transition.
type TaskStatusEvent struct {
	BatchID   string
	TaskID    string
	DeviceID  string
	Status    string
	Step      string
	ErrorKind string
	Detail    string
}

// BatchState summarises batch lifecycle changes.
type BatchState string

const (
	BatchStateStarted   BatchState = "started"
	BatchStateFinished  BatchState = "finished"
	BatchStateCancelled BatchState = "cancelled"
)

// BatchLifecycleEvent records batch-level progress.
type BatchLifecycleEvent struct {
	BatchID   string
	State     BatchState
	Operation string
	Succeeded int
	Failed    int
	Skipped   int
}

// DeviceModeEvent records an observed device mode change.
type DeviceModeEvent struct {
	DeviceID string
	Mode     string
	Previous string
}

// Typed topic descriptors used across the daemon.
var (
	Tasks = struct {
		Log    TopicDef[TaskLogEvent]
		Status TopicDef[TaskStatusEvent]
	}{
		Log:    NewTopicDef[TaskLogEvent](TopicTaskLog),
		Status: NewTopicDef[TaskStatusEvent](TopicTaskStatus),
	}

	Batches = struct {
		Lifecycle TopicDef[BatchLifecycleEvent]
	}{
		Lifecycle: NewTopicDef[BatchLifecycleEvent](TopicBatchLifecycle),
	}

	Devices = struct {
		Mode TopicDef[DeviceModeEvent]
	}{
		Mode: NewTopicDef[DeviceModeEvent](TopicDeviceMode),
	}
)
