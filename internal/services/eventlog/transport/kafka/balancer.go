package kafka

import "github.com/segmentio/kafka-go"

// PartitionKeyBalancer hashes the partition-key header so every record of a
// root context lands on the same partition. Messages without the header fall
// back to hashing the message key.
type PartitionKeyBalancer struct {
	hash kafka.Hash
}

var _ kafka.Balancer = (*PartitionKeyBalancer)(nil)

// Balance implements kafka.Balancer.
func (b *PartitionKeyBalancer) Balance(msg kafka.Message, partitions ...int) int {
	for _, header := range msg.Headers {
		if header.Key == HeaderPartitionKey && len(header.Value) > 0 {
			msg.Key = header.Value
			break
		}
	}
	return b.hash.Balance(msg, partitions...)
}
