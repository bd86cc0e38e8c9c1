package kafka

import "github.com/Shopify/sarama"

// In-code 配置，main 从 global/config 填充
type AppConfig struct {
	Brokers             []string
	ClientID            string
	Topics              []string
	PartitionsPerTopic  int32 // Demo: 8；生产：按吞吐规划
	ReplicationFactor   int16 // 单机=1；生产=3
	ProducerRetries     int
	ProducerCompression string // none/snappy/lz4/zstd
	KafkaVersion        sarama.KafkaVersion
	EnsureTopicsOnStart bool
}

// 默认配置
var Cfg = AppConfig{
	Brokers:             []string{"127.0.0.1:9092"},
	ClientID:            "ppchat-gateway",
	Topics:              []string{"chat_message_0", "chat_message_1"},
	PartitionsPerTopic:  8,
	ReplicationFactor:   1,
	ProducerRetries:     5,
	ProducerCompression: "snappy",
	KafkaVersion:        sarama.V2_1_0_0,
}
