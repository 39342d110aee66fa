package vault

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	xerrors "OpenFarm-Chain/internal/errors"
)

// fileDocument 是保险库文件的磁盘布局。
type fileDocument struct {
	Header  *Header          `json:"header,omitempty"`
	Entries map[string]Entry `json:"entries"`
}

// FileStore 把保险库持久化为单个 JSON 文件，适合免数据库部署。
// 写入通过临时文件加重命名完成，进程中断不会留下半写状态。
type FileStore struct {
	path string

	mu  sync.Mutex
	doc fileDocument
}

// NewFileStore 打开或创建指定路径的保险库文件。
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, doc: fileDocument{Entries: make(map[string]Entry)}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, xerrors.Wrap(CodeVaultFailure, err, "读取保险库文件失败")
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "解析保险库文件失败")
	}
	if s.doc.Entries == nil {
		s.doc.Entries = make(map[string]Entry)
	}
	return s, nil
}

// LoadHeader 实现 Store 接口。文件尚未初始化时返回 nil。
func (s *FileStore) LoadHeader(_ context.Context) (*Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Header == nil {
		return nil, nil
	}
	header := *s.doc.Header
	return &header, nil
}

// SaveHeader 写入保险库头并落盘。
func (s *FileStore) SaveHeader(_ context.Context, header *Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *header
	s.doc.Header = &clone
	return s.flushLocked()
}

// PutEntry 写入或覆盖一条私钥记录并落盘。
func (s *FileStore) PutEntry(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Entries[entry.Address] = entry
	return s.flushLocked()
}

// GetEntry 返回指定地址的记录，不存在时返回 nil。
func (s *FileStore) GetEntry(_ context.Context, address string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.doc.Entries[address]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Close 对文件存储无需操作，内容在每次写入时已经落盘。
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "创建保险库目录失败")
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "序列化保险库失败")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "写入保险库临时文件失败")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "替换保险库文件失败")
	}
	return nil
}

var _ Store = (*FileStore)(nil)
