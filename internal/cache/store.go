package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局与源站路径一一对应：
//
//	<StoragePath>/<key>    # 实际正文，例如 storage/items/2195.gif
//
// 每个条目仅由正文文件组成，文件的 ModTime/Size 由文件系统提供，
// ModTime 即最近一次成功回源的时间。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在（或为目录）则返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*ReadResult, error)

	// Put 将回源得到的正文写入缓存，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。可选地根据 opts.ModTime 设置文件时间戳。
	Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Key       Key    `json:"key"`
	FilePath  string `json:"file_path"`
	SizeBytes int64  `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrTooLarge 表示缓存对象超过允许的最大字节数。
	ErrTooLarge = errors.New("cache entry exceeds size limit")
)

// ReadAll 以 limit 为上限读取整个条目，并在读取完成后关闭 Reader。
// 若文件元数据已超过上限，则不读取正文直接返回 ErrTooLarge。
func ReadAll(result *ReadResult, limit int64) ([]byte, error) {
	defer result.Reader.Close()
	if limit > 0 && result.Entry.SizeBytes > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, result.Entry.SizeBytes, limit)
	}
	return ReadLimited(result.Reader, limit)
}

// ReadLimited 最多读取 limit+1 字节，用于在不加载无界数据的前提下识别超限对象。
// limit <= 0 表示不做限制。
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}
