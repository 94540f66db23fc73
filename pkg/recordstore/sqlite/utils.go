package sqlite

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/TheSethRose/tristore/pkg/recordstore"
)

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation scans one conversation row.
func scanConversation(row rowScanner) (*recordstore.Conversation, error) {
	var (
		conv        recordstore.Conversation
		metadataRaw string
		createdAt   time.Time
	)
	if err := row.Scan(&conv.ID, &conv.SessionID, &metadataRaw, &createdAt); err != nil {
		return nil, err
	}
	metadata, err := unmarshalMetadata(metadataRaw)
	if err != nil {
		return nil, err
	}
	conv.Metadata = metadata
	conv.CreatedAt = createdAt
	return &conv, nil
}

// scanMessage scans one message row.
func scanMessage(row rowScanner) (*recordstore.Message, error) {
	var (
		msg         recordstore.Message
		role        string
		metadataRaw string
		createdAt   time.Time
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &metadataRaw, &createdAt); err != nil {
		return nil, err
	}
	metadata, err := unmarshalMetadata(metadataRaw)
	if err != nil {
		return nil, err
	}
	msg.Role = recordstore.Role(role)
	msg.Metadata = metadata
	msg.CreatedAt = createdAt
	return &msg, nil
}

// scanFact scans one fact row.
func scanFact(row rowScanner) (*recordstore.Fact, error) {
	var (
		fact        recordstore.Fact
		metadataRaw string
		createdAt   time.Time
	)
	if err := row.Scan(&fact.ID, &fact.Kind, &fact.Content, &fact.Confidence, &metadataRaw, &fact.VectorEntryID, &createdAt); err != nil {
		return nil, err
	}
	metadata, err := unmarshalMetadata(metadataRaw)
	if err != nil {
		return nil, err
	}
	fact.Metadata = metadata
	fact.CreatedAt = createdAt
	return &fact, nil
}

// marshalMetadata serializes a metadata map to JSON. A nil map becomes the
// empty object so NOT NULL columns stay satisfied.
func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// unmarshalMetadata deserializes a metadata JSON string. Empty input maps
// to nil.
func unmarshalMetadata(raw string) (map[string]interface{}, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// placeholders returns "?, ?, ..., ?" with n placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// int64Args widens an int64 slice into query arguments.
func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
