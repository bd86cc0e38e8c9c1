package kafka

import (
	"errors"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// EnsureTopics 会：
// 1) 不存在就按 appCfg 创建；
// 2) 已存在且分区数 < 期望值时扩分区（Kafka 仅支持增加分区）。
func EnsureTopics(admin sarama.ClusterAdmin, appCfg AppConfig) error {
	minISR := "1"
	if appCfg.ReplicationFactor >= 3 {
		minISR = "2"
	}
	for _, t := range appCfg.Topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return fmt.Errorf("describe topic %s: %w", t, err)
		}
		exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     appCfg.PartitionsPerTopic,
				ReplicationFactor: appCfg.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					glog.Infof("[Topic] exists (race): %s", t)
					continue
				}
				return fmt.Errorf("create topic %s: %w", t, err)
			}
			glog.Infof("[Topic] created: %s (partitions=%d, rf=%d)", t, appCfg.PartitionsPerTopic, appCfg.ReplicationFactor)
			continue
		}

		curParts := int32(len(descs[0].Partitions))
		if appCfg.PartitionsPerTopic > curParts {
			if err := admin.CreatePartitions(t, appCfg.PartitionsPerTopic, nil, false); err != nil {
				return fmt.Errorf("expand partitions %s from %d to %d: %w", t, curParts, appCfg.PartitionsPerTopic, err)
			}
			glog.Infof("[Topic] partitions expanded: %s (%d -> %d)", t, curParts, appCfg.PartitionsPerTopic)
		} else {
			glog.Infof("[Topic] exists: %s (partitions=%d)", t, curParts)
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
