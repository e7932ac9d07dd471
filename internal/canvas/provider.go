package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/canvasflow/workflow"
)

// ErrGraphNotFound 画布文件不存在
var ErrGraphNotFound = errors.New("canvas: graph not found")

var extensions = []string{".json", ".yaml", ".yml"}

// FileProvider 从 <root>/<user>/<graph>.{json,yaml,yml} 读取画布
type FileProvider struct {
	root   string
	logger *zap.Logger
}

var _ workflow.GraphProvider = (*FileProvider)(nil)

// NewFileProvider 创建文件画布源
func NewFileProvider(root string, logger *zap.Logger) *FileProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileProvider{root: root, logger: logger.With(zap.String("component", "canvas_provider"))}
}

// GetRawGraphData 读取画布当前内容
func (p *FileProvider) GetRawGraphData(ctx context.Context, userID, graphID string) (*workflow.RawGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, data, err := p.read(userID, graphID)
	if err != nil {
		return nil, err
	}
	g, err := decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	p.logger.Debug("graph loaded", zap.String("path", path), zap.Int("nodes", len(g.Nodes)))
	return g, nil
}

// CreateSnapshot 文件每次都被完整重新解析，返回值与后续修改互不影响
func (p *FileProvider) CreateSnapshot(ctx context.Context, userID, graphID string) (*workflow.RawGraph, error) {
	return p.GetRawGraphData(ctx, userID, graphID)
}

// Save 以 JSON 写入画布，供 CLI 导入与测试使用
func (p *FileProvider) Save(userID, graphID string, g *workflow.RawGraph) error {
	if err := checkSegment(userID); err != nil {
		return err
	}
	if err := checkSegment(graphID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(p.root, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+graphID+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, graphID+".json"))
}

func (p *FileProvider) read(userID, graphID string) (string, []byte, error) {
	if err := checkSegment(userID); err != nil {
		return "", nil, err
	}
	if err := checkSegment(graphID); err != nil {
		return "", nil, err
	}
	for _, ext := range extensions {
		path := filepath.Join(p.root, userID, graphID+ext)
		data, err := os.ReadFile(path)
		if err == nil {
			return path, data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return "", nil, fmt.Errorf("%w: %s/%s", ErrGraphNotFound, userID, graphID)
}

func checkSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("canvas: invalid path segment %q", s)
	}
	return nil
}

// decode YAML 先转成通用结构再走 JSON，保证节点 data 字段得到 json.RawMessage
func decode(path string, data []byte) (*workflow.RawGraph, error) {
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		data = converted
	}
	var g workflow.RawGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
