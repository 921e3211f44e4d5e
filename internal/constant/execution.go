package constant

const (
	ExecutionStreamName       = "execution"
	ExecutionStreamSubjectAll = "execution.*"

	ExecutionRequestQueueName  = "execution_request_queue"
	ExecutionRequestQueueGroup = "execution_request_group"

	ExecutionRequestStreamName          = "execution_request"
	ExecutionRequestStreamSubjectAll    = "execution_request.*"
	ExecutionRequestStreamSubjectSubmit = "execution_request.submit"
)

// lifecycle topics, also used verbatim as jetstream subjects
const (
	TopicExecutionQueued    = "execution.queued"
	TopicExecutionSent      = "execution.sent"
	TopicExecutionFilled    = "execution.filled"
	TopicExecutionError     = "execution.error"
	TopicExecutionFailed    = "execution.failed"
	TopicExecutionRejected  = "execution.rejected"
	TopicExecutionCancelled = "execution.cancelled"
)

const (
	LockDriverMemory = "memory"
	LockDriverRedis  = "redis"

	BrokerDriverSimulated = "simulated"
	BrokerDriverRemote    = "remote"
)
