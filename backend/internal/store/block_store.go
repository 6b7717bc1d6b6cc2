package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"liveServer/backend/internal/change"
	"liveServer/backend/internal/changelog"
	"liveServer/backend/internal/live"
)

// blocks 表：每个块一行，物化内容 + 已提交版本数 + 实体归属。
type BlockModel struct {
	BlockID   string `gorm:"column:block_id;primaryKey;size:64"`
	Revision  uint64 `gorm:"column:revision"`
	Content   string `gorm:"column:content;type:longtext"`
	CardID    string `gorm:"column:card_id;size:64;index"`
	ProjectID string `gorm:"column:project_id;size:64;index"`
	UpdatedAt time.Time
}

func (BlockModel) TableName() string { return "blocks" }

// block_changes 表：append-only 变更历史，(block_id, revision) 唯一。
type BlockChangeModel struct {
	BlockID   string    `gorm:"column:block_id;primaryKey;size:64"`
	Revision  uint64    `gorm:"column:revision;primaryKey"`
	OpKind    string    `gorm:"column:op_kind;size:16"`
	Position  int       `gorm:"column:position"`
	Text      string    `gorm:"column:text;type:text"`
	Length    int       `gorm:"column:length"`
	SessionID string    `gorm:"column:session_id;size:64"`
	Seq       uint64    `gorm:"column:seq"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (BlockChangeModel) TableName() string { return "block_changes" }

// block_members 表：能力检查的数据来源（谁可以编辑哪个块）。
// 行的维护在 CRUD 侧，这里只读。
type BlockMemberModel struct {
	BlockID string `gorm:"column:block_id;primaryKey;size:64"`
	UserID  uint64 `gorm:"column:user_id;primaryKey"`
	CanEdit bool   `gorm:"column:can_edit"`
}

func (BlockMemberModel) TableName() string { return "block_members" }

// BlockStore 实现 live.Store。
type BlockStore struct {
	db *gorm.DB
}

func NewBlockStore(db *gorm.DB) *BlockStore {
	return &BlockStore{db: db}
}

func (s *BlockStore) LoadBlock(ctx context.Context, blockID string) (live.BlockRecord, bool, error) {
	var row BlockModel
	err := s.db.WithContext(ctx).First(&row, "block_id = ?", blockID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return live.BlockRecord{}, false, nil
	}
	if err != nil {
		return live.BlockRecord{}, false, err
	}
	return live.BlockRecord{
		BlockID:   row.BlockID,
		Revision:  row.Revision,
		Content:   row.Content,
		CardID:    row.CardID,
		ProjectID: row.ProjectID,
	}, true, nil
}

// SaveBlock upsert 块的物化行。同一个块的 flush 由引擎侧串行化
//（debounce 每个 key 同时只挂一个动作），这里不需要版本比较。
func (s *BlockStore) SaveBlock(ctx context.Context, blockID string, revision uint64, content string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "block_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"revision", "content", "updated_at"}),
	}).Create(&BlockModel{
		BlockID:   blockID,
		Revision:  revision,
		Content:   content,
		UpdatedAt: time.Now(),
	}).Error
}

// AppendChanges 批量写入变更历史。(block_id, revision) 撞主键说明这段
// 历史已经写过（上一轮 flush 部分成功后的重试），直接忽略。
func (s *BlockStore) AppendChanges(ctx context.Context, blockID string, entries []changelog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]BlockChangeModel, len(entries))
	for i, e := range entries {
		rows[i] = BlockChangeModel{
			BlockID:   blockID,
			Revision:  e.Revision,
			OpKind:    string(e.Change.Op.Kind),
			Position:  e.Change.Op.Position,
			Text:      e.Change.Op.Text,
			Length:    e.Change.Op.Length,
			SessionID: e.Change.SessionID,
			Seq:       e.Change.Seq,
			AppliedAt: e.AppliedAt,
		}
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 200).Error
}

// ReadChanges 按版本区间读历史（运维/排障用，引擎主链路不依赖它）。
func (s *BlockStore) ReadChanges(ctx context.Context, blockID string, fromRevision uint64, limit int) ([]changelog.Entry, error) {
	var rows []BlockChangeModel
	q := s.db.WithContext(ctx).
		Where("block_id = ? AND revision > ?", blockID, fromRevision).
		Order("revision ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]changelog.Entry, len(rows))
	for i, r := range rows {
		out[i] = changelog.Entry{
			Revision: r.Revision,
			Change: change.MicroChange{
				BlockID:   r.BlockID,
				SessionID: r.SessionID,
				Seq:       r.Seq,
				Op: change.Op{
					Kind:     change.Kind(r.OpKind),
					Position: r.Position,
					Text:     r.Text,
					Length:   r.Length,
				},
			},
			AppliedAt: r.AppliedAt,
		}
	}
	return out, nil
}
