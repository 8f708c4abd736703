package store

const (
	processedKey    = "records:processed"
	subscriptionKey = "webhook:subscription"
	counterPrefix   = "counter:"
)

func queueKey(queue string) string {
	return "queue:" + queue
}

func processingKey(queue string) string {
	return "queue:" + queue + ":processing"
}

func leaseKey(queue string) string {
	return "queue:" + queue + ":leases"
}

func deadKey(queue string) string {
	return "queue:" + queue + ":dead"
}

func pendingKey(queue string) string {
	return "queue:" + queue + ":pending"
}

func counterKey(name string) string {
	return counterPrefix + name
}
