package cache

import "fmt"

// 键语义：
// - blockKey(blockID):            块的候选编辑者集合（Set<sessionId>）
// - editorKey(blockID,sessionID): 编辑者心跳键（String，占位"1"，带 TTL）
// - namesKey(blockID):            块内 sessionId→username 映射（Hash）

const (
	keyBlockFmt  = "live:block:%s"        // Set<sessionId>
	keyEditorFmt = "live:editor:%s:%s"    // String "1" with TTL
	keyNamesFmt  = "live:block:names:%s"  // Hash<sessionId -> username>
)

func blockKey(blockID string) string { return fmt.Sprintf(keyBlockFmt, blockID) }

func editorKey(blockID, sessionID string) string {
	return fmt.Sprintf(keyEditorFmt, blockID, sessionID)
}

func namesKey(blockID string) string { return fmt.Sprintf(keyNamesFmt, blockID) }
