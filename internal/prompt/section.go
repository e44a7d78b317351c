package prompt

import "strings"

// MergeStrategy 决定同一 ID 的多个片段如何合并。
type MergeStrategy string

const (
	// MergeFirst 保留最早产生的片段。
	MergeFirst MergeStrategy = "first"
	// MergeLast 保留最晚产生的片段。
	MergeLast MergeStrategy = "last"
	// MergeConcat 以空行拼接双方文本。
	MergeConcat MergeStrategy = "concat"
	// MergeCustom 使用片段自带的 Combine 函数。
	MergeCustom MergeStrategy = "custom"
)

// Combiner 是自定义合并函数，返回合并后的片段。
type Combiner func(a, b Section) Section

// Section 是一个修饰器产出的指令片段。
// Weight 决定渲染顺序，Merge 决定与同 ID 片段的合并方式。
type Section struct {
	ID      string
	Content []string
	Weight  int
	Tags    []string
	Merge   MergeStrategy
	Combine Combiner
}

// Text 返回片段的纯文本形式，内容行以换行符连接。
func (s Section) Text() string {
	return strings.TrimSpace(strings.Join(s.Content, "\n"))
}

// TextSection 构造一个最常见的纯文本片段。
func TextSection(id, text string, weight int) Section {
	return Section{ID: id, Content: []string{text}, Weight: weight, Merge: MergeConcat}
}

// mergeSections 按 a（先到者）声明的策略合并两个同 ID 片段。
func mergeSections(a, b Section) Section {
	switch a.Merge {
	case MergeFirst:
		return a
	case MergeLast:
		merged := b
		merged.ID = a.ID
		return merged
	case MergeCustom:
		if a.Combine != nil {
			return a.Combine(a, b)
		}
		fallthrough
	default:
		merged := a
		merged.Content = append(append([]string{}, a.Content...), "")
		merged.Content = append(merged.Content, b.Content...)
		if b.Weight < merged.Weight {
			merged.Weight = b.Weight
		}
		return merged
	}
}

// Render 按 Weight 升序渲染片段集合，空片段被跳过，片段之间以空行分隔。
func Render(sections []Section) string {
	ordered := make([]Section, len(sections))
	copy(ordered, sections)
	// 稳定排序：Weight 相同的片段保持合并完成顺序。
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].Weight > ordered[j].Weight; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	parts := make([]string, 0, len(ordered))
	for _, section := range ordered {
		if text := section.Text(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}
