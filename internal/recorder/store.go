package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

// ErrSessionNotFound 存储中不存在该会话
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord 会话元数据表
type SessionRecord struct {
	ID            string `gorm:"primaryKey;column:id"`
	Name          string `gorm:"column:name"`
	Transport     string `gorm:"column:transport"`
	ServerName    string `gorm:"column:server_name"`
	ServerVersion string `gorm:"column:server_version"`
	ServerCommand string `gorm:"column:server_command"`
	StartedAt     int64  `gorm:"column:started_at;index"`
	EndedAt       *int64 `gorm:"column:ended_at"`
	MessageCount  int64  `gorm:"column:message_count"`
	DurationMs    *int64 `gorm:"column:duration_ms"`
}

// TableName 指定表名
func (SessionRecord) TableName() string { return "sessions" }

// EntryRecord 日志条目表，主键(session_id, seq)
type EntryRecord struct {
	SessionID      string `gorm:"primaryKey;column:session_id"`
	Seq            int64  `gorm:"primaryKey;column:seq;autoIncrement:false"`
	EntryID        uint64 `gorm:"column:entry_id"`
	Timestamp      int64  `gorm:"column:timestamp"`
	Direction      string `gorm:"column:direction"`
	Content        string `gorm:"column:content"`
	MessageType    string `gorm:"column:message_type"`
	Method         string `gorm:"column:method"`
	RPCID          string `gorm:"column:rpc_id"`
	DurationMicros *int64 `gorm:"column:duration_micros"`
	TokenCount     *int64 `gorm:"column:token_count"`
	Injected       bool   `gorm:"column:injected"`
}

// TableName 指定表名
func (EntryRecord) TableName() string { return "entries" }

// TagRecord 标签表，主键(session_id, tag)
type TagRecord struct {
	SessionID string `gorm:"primaryKey;column:session_id"`
	Tag       string `gorm:"primaryKey;column:tag"`
}

// TableName 指定表名
func (TagRecord) TableName() string { return "tags" }

// SessionMetadata 对外暴露的会话元数据
type SessionMetadata struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Transport     string   `json:"transport"`
	ServerName    string   `json:"server_name,omitempty"`
	ServerVersion string   `json:"server_version,omitempty"`
	ServerCommand string   `json:"server_command,omitempty"`
	StartedAt     int64    `json:"started_at"`
	EndedAt       *int64   `json:"ended_at,omitempty"`
	MessageCount  int64    `json:"message_count"`
	DurationMs    *int64   `json:"duration_ms,omitempty"`
	Tags          []string `json:"tags"`
}

// Filter 会话列表过滤条件；tags要求全部命中
type Filter struct {
	ServerName string   `json:"server_name,omitempty"`
	Transport  string   `json:"transport,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Store 录制数据的嵌入式sqlite存储
type Store struct {
	db *gorm.DB
}

// Open 打开（或创建）数据目录下的录制数据库
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return openDSN(filepath.Join(dataDir, "recordings.db"))
}

// OpenMemory 打开内存数据库（测试用）
func OpenMemory() (*Store, error) {
	return openDSN(":memory:")
}

func openDSN(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open recordings db: %w", err)
	}
	if dsn == ":memory:" {
		// 内存库按连接隔离，连接池必须收敛到单连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &EntryRecord{}, &TagRecord{}); err != nil {
		return nil, fmt.Errorf("migrate recordings db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSession 写入或更新会话元数据
func (s *Store) SaveSession(meta *SessionMetadata) error {
	record := &SessionRecord{
		ID:            meta.ID,
		Name:          meta.Name,
		Transport:     meta.Transport,
		ServerName:    meta.ServerName,
		ServerVersion: meta.ServerVersion,
		ServerCommand: meta.ServerCommand,
		StartedAt:     meta.StartedAt,
		EndedAt:       meta.EndedAt,
		MessageCount:  meta.MessageCount,
		DurationMs:    meta.DurationMs,
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error
}

// AppendEntries 批量追加条目，seq从startSeq起连续分配
func (s *Store) AppendEntries(sessionID string, startSeq int64, entries []*protocol.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]EntryRecord, 0, len(entries))
	for i, e := range entries {
		records = append(records, entryToRecord(sessionID, startSeq+int64(i), e))
	}
	return s.db.Create(&records).Error
}

func entryToRecord(sessionID string, seq int64, e *protocol.LogEntry) EntryRecord {
	var rpcID string
	if e.RPCID != nil {
		if raw, err := json.Marshal(e.RPCID); err == nil {
			rpcID = string(raw)
		}
	}
	return EntryRecord{
		SessionID:      sessionID,
		Seq:            seq,
		EntryID:        e.ID,
		Timestamp:      e.Timestamp,
		Direction:      string(e.Direction),
		Content:        e.Content,
		MessageType:    string(e.MessageType),
		Method:         e.Method,
		RPCID:          rpcID,
		DurationMicros: e.DurationMicros,
		TokenCount:     e.TokenCount,
		Injected:       e.Injected,
	}
}

func recordToEntry(r *EntryRecord) *protocol.LogEntry {
	entry := &protocol.LogEntry{
		ID:             r.EntryID,
		SessionID:      r.SessionID,
		Timestamp:      r.Timestamp,
		Direction:      protocol.Direction(r.Direction),
		Content:        r.Content,
		MessageType:    protocol.MessageType(r.MessageType),
		Method:         r.Method,
		DurationMicros: r.DurationMicros,
		TokenCount:     r.TokenCount,
		Injected:       r.Injected,
	}
	if r.RPCID != "" {
		entry.RPCID = protocol.NewRPCID(json.RawMessage(r.RPCID))
	}
	// HasResult/HasError不落库，按Content重新判定，使读回的响应仍可配对
	if entry.MessageType == protocol.MessageJSONRPC {
		var env struct {
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
		}
		if json.Unmarshal([]byte(r.Content), &env) == nil {
			entry.HasResult = len(env.Result) > 0
			entry.HasError = len(env.Error) > 0
		}
	}
	return entry
}

// List 全部会话元数据，按开始时间倒序，按id去重
func (s *Store) List() ([]*SessionMetadata, error) {
	var records []SessionRecord
	if err := s.db.Order("started_at DESC, id").Find(&records).Error; err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(records))
	out := make([]*SessionMetadata, 0, len(records))
	for i := range records {
		if seen[records[i].ID] {
			continue
		}
		seen[records[i].ID] = true
		meta, err := s.metaWithTags(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// ListFiltered 按服务器名/传输/标签过滤的会话列表
func (s *Store) ListFiltered(filter *Filter) ([]*SessionMetadata, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]*SessionMetadata, 0, len(all))
	for _, meta := range all {
		if filter.ServerName != "" && meta.ServerName != filter.ServerName {
			continue
		}
		if filter.Transport != "" && meta.Transport != filter.Transport {
			continue
		}
		if !hasAllTags(meta.Tags, filter.Tags) {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Get 会话元数据与全部条目（按seq排序）
func (s *Store) Get(sessionID string) (*SessionMetadata, []*protocol.LogEntry, error) {
	var record SessionRecord
	err := s.db.First(&record, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	meta, err := s.metaWithTags(&record)
	if err != nil {
		return nil, nil, err
	}

	var entryRecords []EntryRecord
	if err := s.db.Order("seq").Find(&entryRecords, "session_id = ?", sessionID).Error; err != nil {
		return nil, nil, err
	}
	entries := make([]*protocol.LogEntry, 0, len(entryRecords))
	for i := range entryRecords {
		entries = append(entries, recordToEntry(&entryRecords[i]))
	}
	return meta, entries, nil
}

// Delete 删除会话元数据、条目与标签
func (s *Store) Delete(sessionID string) error {
	var record SessionRecord
	err := s.db.First(&record, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&EntryRecord{}, "session_id = ?", sessionID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&TagRecord{}, "session_id = ?", sessionID).Error; err != nil {
			return err
		}
		return tx.Delete(&SessionRecord{}, "id = ?", sessionID).Error
	})
}

// AddTags 为会话追加标签（已存在的忽略）
func (s *Store) AddTags(sessionID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	records := make([]TagRecord, 0, len(tags))
	for _, tag := range tags {
		records = append(records, TagRecord{SessionID: sessionID, Tag: tag})
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
}

// RemoveTags 移除会话的指定标签
func (s *Store) RemoveTags(sessionID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	return s.db.Delete(&TagRecord{}, "session_id = ? AND tag IN ?", sessionID, tags).Error
}

// Tags 会话的标签集合（字典序）
func (s *Store) Tags(sessionID string) ([]string, error) {
	var records []TagRecord
	if err := s.db.Order("tag").Find(&records, "session_id = ?", sessionID).Error; err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(records))
	for _, r := range records {
		tags = append(tags, r.Tag)
	}
	return tags, nil
}

// AllTags 全库去重后的标签列表（字典序）
func (s *Store) AllTags() ([]string, error) {
	var tags []string
	if err := s.db.Model(&TagRecord{}).Distinct("tag").Order("tag").Pluck("tag", &tags).Error; err != nil {
		return nil, err
	}
	return tags, nil
}

// AllServerNames 全库去重后的服务器名列表（字典序）
func (s *Store) AllServerNames() ([]string, error) {
	var names []string
	err := s.db.Model(&SessionRecord{}).
		Where("server_name <> ''").
		Distinct("server_name").
		Pluck("server_name", &names).Error
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Exists 会话是否存在于存储
func (s *Store) Exists(sessionID string) (bool, error) {
	var count int64
	err := s.db.Model(&SessionRecord{}).Where("id = ?", sessionID).Count(&count).Error
	return count > 0, err
}

// EntryCount 会话的条目数
func (s *Store) EntryCount(sessionID string) (int64, error) {
	var count int64
	err := s.db.Model(&EntryRecord{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}

func (s *Store) metaWithTags(record *SessionRecord) (*SessionMetadata, error) {
	tags, err := s.Tags(record.ID)
	if err != nil {
		return nil, err
	}
	return &SessionMetadata{
		ID:            record.ID,
		Name:          record.Name,
		Transport:     record.Transport,
		ServerName:    record.ServerName,
		ServerVersion: record.ServerVersion,
		ServerCommand: record.ServerCommand,
		StartedAt:     record.StartedAt,
		EndedAt:       record.EndedAt,
		MessageCount:  record.MessageCount,
		DurationMs:    record.DurationMs,
		Tags:          tags,
	}, nil
}
