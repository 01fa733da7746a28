// Package classifier 维护 "A :: B :: C" 形式的分层分类树。
// 父子关系在 Register 时一次性物化，传播时只沿 Parent 指针上行，不再拆分字符串。
package classifier

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/any-hub/any-index/internal/model"
)

// Separator 是分类名中的层级分隔符。
const Separator = "::"

// Node 是分类树中的一个节点，根节点的 Parent 为 nil。
type Node struct {
	Name   string
	Parent *Node
	Depth  int
}

// Taxonomy 是并发安全的分类森林。
type Taxonomy struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewTaxonomy 创建空的分类树。
func NewTaxonomy() *Taxonomy {
	return &Taxonomy{nodes: make(map[string]*Node)}
}

// Canonical 将分类名规整为 "A :: B" 形式（去除段两侧空白），空段视为非法。
func Canonical(name string) (string, bool) {
	parts := strings.Split(name, Separator)
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
		if parts[i] == "" {
			return "", false
		}
	}
	return strings.Join(parts, " "+Separator+" "), true
}

// Register 注册分类及其所有祖先，已存在的节点直接复用。
func (t *Taxonomy) Register(name string) (*Node, error) {
	canonical, ok := Canonical(name)
	if !ok {
		return nil, fmt.Errorf("invalid classifier %q", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(canonical), nil
}

func (t *Taxonomy) registerLocked(canonical string) *Node {
	if node, ok := t.nodes[canonical]; ok {
		return node
	}
	var parent *Node
	depth := 0
	if idx := strings.LastIndex(canonical, " "+Separator+" "); idx >= 0 {
		parent = t.registerLocked(canonical[:idx])
		depth = parent.Depth + 1
	}
	node := &Node{Name: canonical, Parent: parent, Depth: depth}
	t.nodes[canonical] = node
	return node
}

// Lookup 按名称查找分类，未知分类返回 false。
func (t *Taxonomy) Lookup(name string) (*Node, bool) {
	canonical, ok := Canonical(name)
	if !ok {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[canonical]
	return node, ok
}

// Len 返回已注册节点数。
func (t *Taxonomy) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Names 返回按名称排序的全部分类。
func (t *Taxonomy) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.nodes))
	for name := range t.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load 从文本读取分类列表（每行一个，# 开头为注释），返回新增节点数。
func (t *Taxonomy) Load(r io.Reader) (int, error) {
	before := t.Len()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if _, err := t.Register(text); err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return t.Len() - before, nil
}

// LoadFile 是 Load 的文件版本。
func (t *Taxonomy) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return t.Load(f)
}

// Propagate 将 node 及其全部祖先追加到 set，返回实际新增的分类名。
func Propagate(set *model.ClassifierSet, node *Node) []string {
	var added []string
	for current := node; current != nil; current = current.Parent {
		if set.Add(current.Name) {
			added = append(added, current.Name)
		}
	}
	return added
}

// Attach 在 Release 与其 Package 上同时传播分类；未知分类静默跳过并返回 false。
func (t *Taxonomy) Attach(pkg *model.Package, release *model.Release, name string) (pkgAdded, releaseAdded []string, ok bool) {
	node, found := t.Lookup(name)
	if !found {
		return nil, nil, false
	}
	releaseAdded = Propagate(&release.Classifiers, node)
	pkgAdded = Propagate(&pkg.Classifiers, node)
	return pkgAdded, releaseAdded, true
}
