// Package objectstore 保存不可变的二进制对象，调度快照就存放在这里。
//
// 同一个键只能写入一次：重复写入相同内容为空操作，写入不同内容返回 ErrObjectExists。
package objectstore

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists with different content")
	ErrInvalidKey     = errors.New("invalid object key")
)

// Store 对象存储
type Store interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
}

// validateKey 拒绝空键、绝对路径与目录穿越
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
