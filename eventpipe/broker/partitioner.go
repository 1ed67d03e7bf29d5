package broker

import "github.com/cespare/xxhash/v2"

// Partitioner maps keys to partitions with xxhash64 modulo the count. The
// mapping never changes for a given count.
type Partitioner struct {
	count int
}

// NewPartitioner returns a Partitioner over count partitions.
func NewPartitioner(count int) (Partitioner, error) {
	if count <= 0 {
		return Partitioner{}, ErrInvalidPartitions
	}

	return Partitioner{count: count}, nil
}

func (p Partitioner) Count() int { return p.count }

// Partition returns the partition of key, in [0, Count()).
func (p Partitioner) Partition(key string) int {
	if p.count <= 1 {
		return 0
	}

	return int(xxhash.Sum64String(key) % uint64(p.count))
}

// Valid reports whether partition is in range.
func (p Partitioner) Valid(partition int) bool {
	return partition >= 0 && partition < p.count
}

// Group splits msgs by partition, keeping input order inside each group and
// remembering each message's input index.
func (p Partitioner) Group(msgs []Message) map[int][]Indexed {
	groups := make(map[int][]Indexed)

	for i, msg := range msgs {
		partition := p.Partition(msg.Key)
		groups[partition] = append(groups[partition], Indexed{Index: i, Message: msg})
	}

	return groups
}

// Indexed is a message and its position in a batch.
type Indexed struct {
	Index   int
	Message Message
}
