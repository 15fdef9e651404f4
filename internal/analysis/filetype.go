package analysis

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/h2non/filetype"
)

// Risk 风险等级
type Risk string

const (
	RiskSafe   Risk = "SAFE"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// headerSize 是 filetype 库建议读取的文件头长度
const headerSize = 262

// Result 检测结果
type Result struct {
	Path         string
	IsMasquerade bool   // 是否是伪装文件
	RealExt      string // 根据文件头得到的真实后缀
	DeclaredExt  string // 文件名声明的后缀
	Risk         Risk
	Message      string
}

// TypeInspector 文件类型检查器
type TypeInspector struct {
	mu       sync.RWMutex
	aliasMap map[string]map[string]bool
}

// NewTypeInspector 初始化检查器并加载兼容性白名单
func NewTypeInspector() *TypeInspector {
	t := &TypeInspector{aliasMap: make(map[string]map[string]bool)}
	// ZIP 家族是最大的误报源
	t.Allow("zip",
		"docx", "docm", "dotx", "dotm",
		"xlsx", "xlsm", "xltx", "xltm",
		"pptx", "pptm", "potx", "potm",
		"jar", "war", "ear", "apk",
		"odt", "ods", "odp", "crx", "whl", "nupkg",
	)
	t.Allow("xml", "svg", "html", "htm", "kml", "dae", "plist", "config")
	t.Allow("mp4", "m4v", "mov", "qt")
	t.Allow("mov", "qt", "mp4")
	t.Allow("ogg", "ogv", "oga", "spx")
	t.Allow("exe", "dll", "sys", "scr", "cpl", "ocx")
	t.Allow("gz", "gzip", "tgz")
	return t
}

// Allow 允许真实类型 realType 以 exts 作为后缀出现
func (t *TypeInspector) Allow(realType string, exts ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.aliasMap[realType]
	if !ok {
		m = map[string]bool{realType: true}
		t.aliasMap[realType] = m
	}
	for _, ext := range exts {
		m[ext] = true
	}
}

func (t *TypeInspector) allowed(realExt, declaredExt string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.aliasMap[realExt][declaredExt]
}

// Inspect 比较文件头和文件后缀
func (t *TypeInspector) Inspect(path string) (Result, error) {
	res := Result{Path: path, Risk: RiskSafe}

	rawExt := filepath.Ext(path)
	if rawExt == "" {
		res.Message = "no extension"
		return res, nil
	}
	res.DeclaredExt = strings.ToLower(strings.TrimPrefix(rawExt, "."))

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, headerSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return res, fmt.Errorf("read %s: %w", path, err)
	}
	if n == 0 {
		res.Message = "empty file"
		return res, nil
	}

	kind, _ := filetype.Match(head[:n])
	if kind == filetype.Unknown {
		// 纯文本文件 (txt, go, json ...) 没有 magic bytes，默认信任
		res.RealExt = "unknown"
		res.Message = "unknown signature"
		return res, nil
	}
	res.RealExt = kind.Extension

	if res.RealExt == res.DeclaredExt || t.allowed(res.RealExt, res.DeclaredExt) {
		return res, nil
	}

	res.IsMasquerade = true
	res.Risk = RiskMedium
	if res.RealExt == "exe" || res.RealExt == "elf" || res.RealExt == "dll" {
		res.Risk = RiskHigh
	}
	res.Message = fmt.Sprintf("header is %q but file is %q", res.RealExt, res.DeclaredExt)
	return res, nil
}

// ScanVolume 检查挂载目录下最多 maxFiles 个普通文件，只返回伪装文件
func (t *TypeInspector) ScanVolume(root string, maxFiles int) ([]Result, error) {
	var found []Result
	seen := 0
	errStop := errors.New("limit reached")

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// 不可读目录跳过，继续遍历
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if maxFiles > 0 && seen >= maxFiles {
			return errStop
		}
		seen++
		res, err := t.Inspect(path)
		if err != nil {
			return nil
		}
		if res.IsMasquerade {
			found = append(found, res)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return found, err
	}
	return found, nil
}
