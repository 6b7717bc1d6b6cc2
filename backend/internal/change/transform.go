package change

import "errors"

// 变更无法变换到当前版本（目标区间已被后续提交整体删除），
// 只能让客户端重新同步后重交。
var ErrUnrebaseable = errors.New("UNREBASEABLE")

// Rebase 把 op 的坐标从某个历史版本变换到 committed 应用之后的坐标系。
// 规则（标准 OT 位置调整）：
//   - committed 在 op 之前插入：op 整体后移插入长度
//   - committed 在 op 之前删除：op 前移，最多回到 0
//   - 删除区间与 committed 删除重叠：收缩到仍然存在的那部分；
//     整个区间都没了就返回 ErrUnrebaseable
//
// 同位置插入的平局规则：后提交的插入保持原位（排在先提交的文本前面），
// 即按提交顺序决定最终相对位置。
func Rebase(op Op, committed Op) (Op, error) {
	switch committed.Kind {
	case KindInsert:
		return rebaseOverInsert(op, committed)
	case KindDelete:
		return rebaseOverDelete(op, committed)
	default:
		return op, nil
	}
}

// RebaseAll 依次对 committed 序列做 Rebase，任何一步失败都整体失败。
func RebaseAll(op Op, committed []Op) (Op, error) {
	var err error
	for _, c := range committed {
		op, err = Rebase(op, c)
		if err != nil {
			return Op{}, err
		}
	}
	return op, nil
}

func rebaseOverInsert(op Op, committed Op) (Op, error) {
	insLen := committed.InsertLen()
	p := committed.Position

	switch op.Kind {
	case KindInsert:
		// 平局：op.Position == p 时不后移（见上面的平局规则）
		if op.Position > p {
			op.Position += insLen
		}
		return op, nil

	case KindDelete:
		start, end := op.Position, op.Position+op.Length
		switch {
		case p <= start:
			op.Position += insLen
		case p < end:
			// 插入点落在待删区间中间：区间被撑开，连同新文本一起顺延长度。
			// 这是可配置策略里最简单的一种，保证删除后区间外的内容不受影响。
			op.Length += insLen
		}
		return op, nil
	}
	return op, nil
}

func rebaseOverDelete(op Op, committed Op) (Op, error) {
	delStart := committed.Position
	delEnd := committed.Position + committed.Length

	switch op.Kind {
	case KindInsert:
		switch {
		case op.Position <= delStart:
			// 不受影响
		case op.Position >= delEnd:
			op.Position -= committed.Length
		default:
			// 插入点在已删除区间内部：收拢到删除起点
			op.Position = delStart
		}
		return op, nil

	case KindDelete:
		start, end := op.Position, op.Position+op.Length

		// 与 committed 删除区间的重叠长度
		overlap := min(end, delEnd) - max(start, delStart)
		if overlap < 0 {
			overlap = 0
		}
		newLen := op.Length - overlap
		if newLen <= 0 {
			// 目标区间已经被整体删掉，无法无歧义地落点
			return Op{}, ErrUnrebaseable
		}

		// 起点前移 committed 删除中位于 start 之前的那部分
		shift := min(start, delEnd) - delStart
		if shift < 0 {
			shift = 0
		}
		op.Position = start - shift
		op.Length = newLen
		return op, nil
	}
	return op, nil
}
