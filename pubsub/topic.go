package pubsub

// TopicConfig is the per-topic configuration consumed from the connector settings.
type TopicConfig struct {
	// Partition overrides the storage partition name. Empty means the topic name itself.
	Partition string `mapstructure:"partition"`

	// IDField is the caller-facing identifier field. Empty means DefaultIDField.
	IDField string `mapstructure:"id_field"`
}

// TopicSettings maps topic names to their configuration. A nil TopicSettings is valid and empty.
type TopicSettings map[string]TopicConfig

// PartitionName returns the override name configured for topic, else the topic name itself.
func (s TopicSettings) PartitionName(topic string) string {
	if cfg, ok := s[topic]; ok && cfg.Partition != "" {
		return cfg.Partition
	}

	return topic
}

// IDFieldName returns the identifier field configured for topic, else DefaultIDField.
func (s TopicSettings) IDFieldName(topic string) string {
	if cfg, ok := s[topic]; ok && cfg.IDField != "" {
		return cfg.IDField
	}

	return DefaultIDField
}
