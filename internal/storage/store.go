package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// chunkSize 是上传正文落盘时的单次读写大小。
const chunkSize = 128 * 1024

// ErrNotFound 表示存储中不存在该文件。
var ErrNotFound = errors.New("artifact not found")

// Entry 描述一个已落盘的制品文件。
type Entry struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	FilePath  string    `json:"-"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，便于下载路由直接流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Store 以 basePath 为根目录管理上传制品，整站复用一份实例。
type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore 创建存储根目录并返回 Store。
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, err
	}
	return &Store{basePath: abs, locks: make(map[string]*entryLock)}, nil
}

// BasePath 返回存储根目录的绝对路径。
func (s *Store) BasePath() string {
	return s.basePath
}

// Staged 是已写入同目录临时文件、尚未替换目标文件的制品。
// Commit 之前目标文件保持原样，Discard 丢弃临时文件。
type Staged struct {
	store    *Store
	entry    Entry
	tempName string
	done     bool
}

// Stage 将 body 写入 <bucket>/ 下的临时文件，不影响已存在的同名制品。
func (s *Store) Stage(ctx context.Context, filename string, body io.Reader) (*Staged, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.basePath, Bucket(filename))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	return &Staged{
		store: s,
		entry: Entry{
			Filename:  filename,
			Path:      RelativePath(filename),
			FilePath:  filepath.Join(dir, filename),
			SizeBytes: written,
		},
		tempName: tempName,
	}, nil
}

// Entry 返回提交后将生效的文件描述。
func (st *Staged) Entry() Entry {
	return st.entry
}

// Commit 以原子 rename 替换目标文件，重复调用返回错误。
func (st *Staged) Commit() (*Entry, error) {
	if st.done {
		return nil, errors.New("staged artifact already finished")
	}
	unlock := st.store.lockEntry(st.entry.Filename)
	defer unlock()

	if err := os.Rename(st.tempName, st.entry.FilePath); err != nil {
		return nil, err
	}
	st.done = true
	entry := st.entry
	entry.ModTime = time.Now().UTC()
	return &entry, nil
}

// Discard 删除未提交的临时文件，已提交时为空操作。
func (st *Staged) Discard() error {
	if st.done {
		return nil
	}
	st.done = true
	if err := os.Remove(st.tempName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Get 打开已存储的文件；调用方负责关闭 Reader。
func (s *Store) Get(ctx context.Context, filename string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}

	target := filepath.Join(s.basePath, Bucket(filename), filename)
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Filename:  filename,
			Path:      RelativePath(filename),
			FilePath:  target,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *Store) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
