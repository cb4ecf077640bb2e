// Package kafka dispatches scan runs over per-lane Kafka topics. Each lane
// maps to one topic so consumers can subscribe to exactly the lanes they
// serve, and the run identity is the partition key so redeliveries of the
// same run land on the same consumer.
package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Config contains settings for connecting to and interacting with Kafka.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// TopicPrefix names the topic family. Lane topics are derived as
	// "<prefix>-<lane>".
	TopicPrefix string

	// GroupID identifies the consumer group for this worker instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

const defaultTopicPrefix = "scan-runs"

// TopicForLane derives the dispatch topic for a lane.
func (c *Config) TopicForLane(lane string) string {
	prefix := c.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return prefix + "-" + lane
}

// NewClient creates and configures a Kafka client with the provided settings.
// It sets up consistent configuration for both producers and consumers.
func NewClient(cfg *Config) (sarama.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka client requires at least one broker")
	}

	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings. Offsets are committed manually after a delivery is
	// fully handled so an unhandled run is redelivered.
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	// Version should be consistent across all components.
	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}
