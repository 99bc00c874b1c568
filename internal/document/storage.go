package document

// UpdateRecord stores one append-only binary update payload. Records are
// immutable except for the compaction pointer columns, and are physically
// deleted only once the retention window after compaction has elapsed.
type UpdateRecord struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_doc_updates_document,priority:1;uniqueIndex:idx_doc_update_dedupe,priority:1"`
	PayloadB64       string `gorm:"column:payload_b64;type:text;not null"`
	PayloadHash      string `gorm:"column:payload_hash;size:64;not null;uniqueIndex:idx_doc_update_dedupe,priority:2"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	Compacted        bool   `gorm:"column:compacted;not null;default:false"`
	CompactedInto    *int64 `gorm:"column:compacted_into;index:idx_doc_updates_superseded"`
	CompactedCount   int64  `gorm:"column:compacted_count;not null;default:1"`
	CompactedAtS     int64  `gorm:"column:compacted_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateRecord) TableName() string {
	return "document_updates"
}

// SnapshotRecord stores the current materialized snapshot for a document.
// Version doubles as the compare-and-swap counter for the autosave gateway.
type SnapshotRecord struct {
	DocumentID    string `gorm:"column:document_id;primaryKey;size:190;not null"`
	ContentJSON   string `gorm:"column:content_json;type:text;not null"`
	Version       int64  `gorm:"column:version;not null;default:0"`
	SchemaVersion int64  `gorm:"column:schema_version;not null;default:1"`
	Source        string `gorm:"column:source;size:32;not null"`
	SnapshotAtS   int64  `gorm:"column:snapshot_at_s;not null"`
	Checksum      string `gorm:"column:checksum;size:64;not null"`
	UpdateSeen    int64  `gorm:"column:update_seen;not null;default:0"`
	ModifiedAtS   int64  `gorm:"column:modified_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "document_snapshots"
}
