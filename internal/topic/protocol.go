package topic

import "encoding/json"

// clusterTopicPub is the CLUSTER_TOPIC_PUB payload.
type clusterTopicPub struct {
	Topic            string          `json:"topic"`
	Data             json.RawMessage `json:"data"`
	OriginalSenderID string          `json:"originalSenderId"`
}
