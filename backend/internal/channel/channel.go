package channel

import "strconv"

// 频道就是一个确定性的路由键，纯内存、不落库。
// 由实体关系派生出来的一组键构成广播地址。

func ForBlock(blockID string) string { return "block:" + blockID }

func ForCard(cardID string) string { return "card:" + cardID }

// 项目总览频道：订阅它的人能看到项目下所有卡片/块的动静。
func ForProject(projectID string) string { return "project:" + projectID + ":overview" }

func ForUser(userID uint64) string { return "user:" + strconv.FormatUint(userID, 10) }

// BlockRef 描述一个块在实体树里的归属，用于派生它的频道集合。
type BlockRef struct {
	BlockID   string
	CardID    string
	ProjectID string
}

// ForBlockRef 返回一个块的变更应当送达的全部频道：
// 块自身的频道、所属卡片的频道、所属项目的总览频道。
// 归属为空的层级直接跳过。
func ForBlockRef(ref BlockRef) []string {
	out := []string{ForBlock(ref.BlockID)}
	if ref.CardID != "" {
		out = append(out, ForCard(ref.CardID))
	}
	if ref.ProjectID != "" {
		out = append(out, ForProject(ref.ProjectID))
	}
	return out
}
