// Package dberrors 定义写路径各组件共用的错误分类.
package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("memlsm: not found")
	ErrCorruption      = errors.New("memlsm: corruption")
	ErrNotSupported    = errors.New("memlsm: not supported")
	ErrInvalidArgument = errors.New("memlsm: invalid argument")
	ErrIOError         = errors.New("memlsm: io error")

	// memtable 已经进入 flush 流程，不再接受写入
	ErrFrozen = errors.New("memlsm: memtable is frozen")
	// memtable 状态机非法迁移
	ErrInvalidState = errors.New("memlsm: invalid memtable state")
	ErrClosed       = errors.New("memlsm: closed")
)
