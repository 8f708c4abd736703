package constants

import "time"

const (
	InboundQueue  = "inbound"
	OutboundQueue = "outbound"
)

const (
	SourceAPIIdentity     = "source-api"
	DownstreamAPIIdentity = "downstream-api"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	SubmitHTTPTimeout  = 30 * time.Second
)

const (
	ProcessedSetTTL = 30 * 24 * time.Hour
)

const (
	CounterDelivered = "delivered"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLeaseDuration = 5 * time.Minute
	DefaultMaxDeliveries = 3
	DefaultReapInterval  = time.Minute
)

const (
	DeadLetterReasonTransform   = "transform_error"
	DeadLetterReasonExhausted   = "retries_exhausted"
	DeadLetterReasonRejected    = "rejected"
	DeadLetterReasonRedelivery  = "redelivery_exceeded"
	DeadLetterReasonItemFailure = "item_failure"
)
