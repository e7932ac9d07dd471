package schedule

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/canvasflow/internal/objectstore"
	"github.com/BaSui01/canvasflow/workflow"
)

// SnapshotStore 把触发时的画布快照保存为不可变 JSON 对象。
// 重试读取同一个键，因此重放的输入与首次触发逐字节一致。
type SnapshotStore struct {
	objects objectstore.Store
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore(objects objectstore.Store) *SnapshotStore {
	return &SnapshotStore{objects: objects}
}

// SnapshotKey 快照对象键
func SnapshotKey(userID, recordID string) string {
	return fmt.Sprintf("schedules/%s/%s/snapshot.json", userID, recordID)
}

// Save 保存快照并返回对象键
func (s *SnapshotStore) Save(ctx context.Context, userID, recordID string, graph *workflow.RawGraph) (string, error) {
	key, _, err := s.Capture(ctx, userID, recordID, graph)
	return key, err
}

// Capture 保存快照，并返回从已保存字节解码出的图。
// 首次触发与重试都使用存储中的字节，节点负载因此完全一致。
func (s *SnapshotStore) Capture(ctx context.Context, userID, recordID string, graph *workflow.RawGraph) (string, *workflow.RawGraph, error) {
	data, err := json.Marshal(graph)
	if err != nil {
		return "", nil, fmt.Errorf("encode snapshot: %w", err)
	}
	key := SnapshotKey(userID, recordID)
	if err := s.objects.Upload(ctx, key, data); err != nil {
		return "", nil, fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	stored, err := decodeSnapshot(key, data)
	if err != nil {
		return "", nil, err
	}
	return key, stored, nil
}

// Load 读取快照
func (s *SnapshotStore) Load(ctx context.Context, key string) (*workflow.RawGraph, error) {
	data, err := s.objects.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download snapshot %s: %w", key, err)
	}
	return decodeSnapshot(key, data)
}

func decodeSnapshot(key string, data []byte) (*workflow.RawGraph, error) {
	var graph workflow.RawGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return &graph, nil
}
