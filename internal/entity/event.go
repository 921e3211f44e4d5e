package entity

import "context"

// ExecutionEvent is the {topic, payload} pair fanned out on every lifecycle change.
type ExecutionEvent struct {
	Topic   string          `json:"topic"`
	Payload ExecutionRecord `json:"payload"`
}

type ExecutionRequestEvent struct {
	RetryCount int          `json:"retry"`
	Data       OrderRequest `json:"data"`
}

type Publisher interface {
	JetstreamEventInit(ctx context.Context) error
}

type Subscriber interface {
	JetstreamEventSubscribe(ctx context.Context) error
}
