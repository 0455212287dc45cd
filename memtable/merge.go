package memtable

import (
	"bytes"
	"fmt"

	"github.com/xiaoxuxiansheng/memlsm/dberrors"
)

// MergeOperator 定义 merge 记录的语义
type MergeOperator interface {
	Name() string
	// existing 为 nil 表示 key 不存在或者已被删除，operands 按写入顺序从旧到新排列
	FullMerge(key, existing []byte, operands [][]byte) ([]byte, error)
}

// FoldOperands 使用 op 将 operands 合并到 existing 之上. op 为 nil 时返回 ErrNotSupported
func FoldOperands(op MergeOperator, key, existing []byte, operands [][]byte) ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: merge operator not configured, key %q", dberrors.ErrNotSupported, key)
	}
	return op.FullMerge(key, existing, operands)
}

// StringAppendOperator 以分隔符拼接 existing 与全部 operands
type StringAppendOperator struct {
	Delim []byte
}

func NewStringAppendOperator(delim string) *StringAppendOperator {
	return &StringAppendOperator{Delim: []byte(delim)}
}

func (s *StringAppendOperator) Name() string {
	return "StringAppendOperator"
}

func (s *StringAppendOperator) FullMerge(key, existing []byte, operands [][]byte) ([]byte, error) {
	parts := operands
	if existing != nil {
		parts = append([][]byte{existing}, operands...)
	}
	return bytes.Join(parts, s.Delim), nil
}
