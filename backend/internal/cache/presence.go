package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 把“谁在编辑哪个块”落到外部存储，引擎多实例部署时
// presence 信息才能跨实例共享。心跳键带 TTL，断连不清理也会自然过期。
type PresenceCache interface {
	AddEditor(ctx context.Context, blockID, sessionID, username string, ttl time.Duration) error
	RemoveEditor(ctx context.Context, blockID, sessionID string) error
	GetAliveEditors(ctx context.Context, blockID string) ([]Editor, error)
}

type Editor struct {
	SessionID string
	Username  string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddEditor(ctx context.Context, blockID, sessionID, username string, ttl time.Duration) error {
	pipe := p.rdb.Pipeline()
	// 块的编辑者集合
	pipe.SAdd(ctx, blockKey(blockID), sessionID)
	// 心跳键
	pipe.Set(ctx, editorKey(blockID, sessionID), "1", ttl)
	// 名字表（哈希）
	pipe.HSet(ctx, namesKey(blockID), sessionID, username)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveEditor(ctx context.Context, blockID, sessionID string) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, blockKey(blockID), sessionID)
	pipe.Del(ctx, editorKey(blockID, sessionID))
	pipe.HDel(ctx, namesKey(blockID), sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetAliveEditors 返回心跳未过期的编辑者。
// 集合里可能残留心跳已过期的 session（断连没来得及清理），
// 用一轮 pipeline EXISTS 过滤掉。
func (p *redisPresence) GetAliveEditors(ctx context.Context, blockID string) ([]Editor, error) {
	sessionIDs, err := p.rdb.SMembers(ctx, blockKey(blockID)).Result()
	if err != nil {
		return nil, err
	}
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	existsCmds := make([]*redis.IntCmd, 0, len(sessionIDs))
	pipe := p.rdb.Pipeline()
	for _, sid := range sessionIDs {
		existsCmds = append(existsCmds, pipe.Exists(ctx, editorKey(blockID, sid)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	alive := make([]string, 0, len(sessionIDs))
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			alive = append(alive, sessionIDs[i])
		}
	}
	if len(alive) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(blockID), alive...).Result()
	if err != nil {
		return nil, err
	}
	editors := make([]Editor, 0, len(alive))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		editors = append(editors, Editor{SessionID: alive[i], Username: name})
	}
	return editors, nil
}
