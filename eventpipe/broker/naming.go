package broker

import (
	"fmt"
	"strconv"
	"strings"
)

// Naming derives physical resource names from a logical topic.
type Naming struct {
	Prefix string
}

// Stream is the logical stream: {prefix}_{topic}.
func (n Naming) Stream(topic string) string {
	return n.Prefix + "_" + topic
}

// Subject is the per-partition subject: {prefix}.{topic}.{partition}.
func (n Naming) Subject(topic string, partition int) string {
	return n.Prefix + "." + topic + "." + strconv.Itoa(partition)
}

// SubjectWildcard matches every partition subject of topic.
func (n Naming) SubjectWildcard(topic string) string {
	return n.Prefix + "." + topic + ".*"
}

// StreamKey is the per-partition log-stream key: {prefix}:{topic}:p{partition}.
func (n Naming) StreamKey(topic string, partition int) string {
	return fmt.Sprintf("%s:%s:p%d", n.Prefix, topic, partition)
}

// Queue is the per-group, per-partition queue: {prefix}.{topic}.{group}.{partition}.
func (n Naming) Queue(topic, group string, partition int) string {
	return n.Prefix + "." + topic + "." + group + "." + strconv.Itoa(partition)
}

// Consumer is the durable consumer name for group on partition.
func (n Naming) Consumer(group string, partition int) string {
	return group + "-p" + strconv.Itoa(partition)
}

const reservedNameChars = ".:*> \t\r\n"

// ValidateTopic rejects names that would collide with the naming scheme.
func ValidateTopic(topic string) error {
	if topic == "" || strings.ContainsAny(topic, reservedNameChars) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	return nil
}

// ValidateGroup rejects empty or unsafe consumer group names.
func ValidateGroup(group string) error {
	if group == "" || strings.ContainsAny(group, reservedNameChars) {
		return fmt.Errorf("%w: %q", ErrInvalidGroup, group)
	}

	return nil
}
