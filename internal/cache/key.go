package cache

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Key 是经过规范化、相对于缓存根目录的路径，同时用于磁盘定位与源站寻址。
type Key string

// String 返回 Key 的原始字符串形式。
func (k Key) String() string {
	return string(k)
}

// Ext 返回 Key 的文件扩展名（含 "."）。
func (k Key) Ext() string {
	return path.Ext(string(k))
}

// 拒绝原因，会直接出现在 403 响应与日志字段中。
const (
	ReasonNoExtension  = "no_extension"
	ReasonTraversal    = "path_traversal"
	ReasonAbsolutePath = "absolute_path"
	ReasonInvalid      = "invalid_path"
)

// ErrInvalidKey 是所有路径校验失败的哨兵错误。
var ErrInvalidKey = errors.New("invalid cache key")

// KeyError 描述被拒绝的原始路径及原因。
type KeyError struct {
	Raw    string
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid cache key %q: %s", e.Raw, e.Reason)
}

// Unwrap 使 errors.Is(err, ErrInvalidKey) 成立。
func (e *KeyError) Unwrap() error {
	return ErrInvalidKey
}

// Message 返回面向客户端的简短拒绝说明。
func (e *KeyError) Message() string {
	switch e.Reason {
	case ReasonNoExtension:
		return "Path must be a file"
	case ReasonTraversal, ReasonAbsolutePath:
		return "Path must stay inside the storage root"
	default:
		return "Invalid path"
	}
}

// ParseKey 规范化客户端传入的路径并做越权校验，不访问文件系统。
// 含 ".." 段、绝对路径或无扩展名（含点文件）的路径一律拒绝。
func ParseKey(raw string) (Key, error) {
	if strings.ContainsRune(raw, 0) {
		return "", &KeyError{Raw: raw, Reason: ReasonInvalid}
	}
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "\\") {
		return "", &KeyError{Raw: raw, Reason: ReasonAbsolutePath}
	}
	for _, segment := range strings.FieldsFunc(raw, isSeparator) {
		if segment == ".." {
			return "", &KeyError{Raw: raw, Reason: ReasonTraversal}
		}
	}

	clean := path.Clean(raw)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &KeyError{Raw: raw, Reason: ReasonTraversal}
	}
	if path.IsAbs(clean) {
		return "", &KeyError{Raw: raw, Reason: ReasonAbsolutePath}
	}

	// 仅由点开头的文件名（.htaccess、.cache-*）视为无扩展名。
	ext := path.Ext(strings.TrimLeft(path.Base(clean), "."))
	if ext == "" || ext == "." {
		return "", &KeyError{Raw: raw, Reason: ReasonNoExtension}
	}
	return Key(clean), nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
