package model

// ArtifactKind 是发布文件的打包格式，取值与上游 packagetype 字段一致。
type ArtifactKind string

const (
	KindSdist       ArtifactKind = "sdist"
	KindEgg         ArtifactKind = "bdist_egg"
	KindMSI         ArtifactKind = "bdist_msi"
	KindRPM         ArtifactKind = "bdist_rpm"
	KindWheel       ArtifactKind = "bdist_wheel"
	KindWinInst     ArtifactKind = "bdist_wininst"
	KindDumb        ArtifactKind = "bdist_dumb"
	KindDMG         ArtifactKind = "bdist_dmg"
	KindUnspecified ArtifactKind = ""
)

// builtExtensions 是允许上传的 built distribution 及其扩展名。
var builtExtensions = map[ArtifactKind]string{
	KindEgg:     "egg",
	KindMSI:     "msi",
	KindRPM:     "rpm",
	KindWheel:   "whl",
	KindWinInst: "exe",
}

// BuiltExtension 返回 built distribution 对应的扩展名，未知类型返回 false。
func BuiltExtension(kind ArtifactKind) (string, bool) {
	ext, ok := builtExtensions[kind]
	return ext, ok
}

// Uploadable 表示该类型是否允许通过上传接口提交。
func (k ArtifactKind) Uploadable() bool {
	if k == KindSdist {
		return true
	}
	_, ok := builtExtensions[k]
	return ok
}

// ClassifierSet 是有序、无重复的分类名集合。
type ClassifierSet []string

// Contains 判断集合中是否已有 name。
func (s ClassifierSet) Contains(name string) bool {
	for _, existing := range s {
		if existing == name {
			return true
		}
	}
	return false
}

// Add 在 name 不存在时追加，返回是否发生了追加。
func (s *ClassifierSet) Add(name string) bool {
	if s.Contains(name) {
		return false
	}
	*s = append(*s, name)
	return true
}
