package auditsink

import (
	"context"

	"account-security/internal/models"
)

// Indexer is satisfied by client.ESClient.
type Indexer interface {
	EnsureIndex(ctx context.Context, index, mapping string) error
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

const auditMapping = `{
  "settings": {"number_of_shards": 1},
  "mappings": {
    "properties": {
      "id":         {"type": "keyword"},
      "user_id":    {"type": "keyword"},
      "session_id": {"type": "keyword"},
      "action":     {"type": "keyword"},
      "success":    {"type": "boolean"},
      "details":    {"type": "object", "enabled": false},
      "ip_address": {"type": "ip", "ignore_malformed": true},
      "user_agent": {"type": "text"},
      "location":   {"type": "keyword"},
      "@timestamp": {"type": "date"}
    }
  }
}`

// ElasticsearchSink indexes entries for investigation queries. Documents
// are created with the entry id, so a replayed entry is rejected rather
// than duplicated.
type ElasticsearchSink struct {
	indexer Indexer
	index   string
}

func NewElasticsearchSink(indexer Indexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

// Init creates the index with its mapping if missing.
func (s *ElasticsearchSink) Init(ctx context.Context) error {
	return s.indexer.EnsureIndex(ctx, s.index, auditMapping)
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Publish(ctx context.Context, entry *models.AuditLogEntry) error {
	return s.indexer.IndexDocument(ctx, s.index, entry.ID, toDocument(entry))
}
